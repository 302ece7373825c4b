package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aeolun/teamchat/pkg/client"
)

// apiCall hits endpoints the typed client doesn't wrap (admin surface,
// channel management), reusing the client's bearer token
func apiCall(api *client.API, baseURL, method, path string, body any) error {
	return apiCallInto(api, baseURL, method, path, body, nil)
}

func apiCallInto(api *client.API, baseURL, method, path string, body, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if api.Token() != "" {
		req.Header.Set("Authorization", "Bearer "+api.Token())
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		return &client.APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// requireStatus asserts that err is an API error with the given status
func requireStatus(t *testing.T, err error, status int) {
	t.Helper()
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, status, apiErr.StatusCode)
}

type adminReport struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Reason   string `json:"reason"`
	Reporter struct {
		Username string `json:"username"`
	} `json:"reporter"`
}

func listAdminReports(api *client.API, baseURL string) ([]adminReport, error) {
	var reports []adminReport
	err := apiCallInto(api, baseURL, "GET", "/api/admin/reports", nil, &reports)
	return reports, err
}

func createChannel(api *client.API, baseURL, name, description string) (*client.Channel, error) {
	var channel client.Channel
	err := apiCallInto(api, baseURL, "POST", "/api/channels",
		map[string]string{"name": name, "description": description}, &channel)
	return &channel, err
}
