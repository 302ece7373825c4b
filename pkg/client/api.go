package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// User is an account as returned by the API
type User struct {
	ID           string  `json:"id"`
	Username     string  `json:"username"`
	DisplayName  *string `json:"displayName"`
	Role         string  `json:"role"`
	Bio          *string `json:"bio"`
	IsBanned     bool    `json:"isBanned"`
	TimeoutUntil *int64  `json:"timeoutUntil"`
	CreatedAt    int64   `json:"createdAt"`
}

// UserSummary is the public slice of a user attached to messages
type UserSummary struct {
	ID          string  `json:"id"`
	Username    string  `json:"username"`
	DisplayName *string `json:"displayName"`
	Role        string  `json:"role"`
}

// Channel is a channel as returned by the API
type Channel struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description *string     `json:"description"`
	CreatedBy   string      `json:"createdBy"`
	CreatedAt   int64       `json:"createdAt"`
	Creator     UserSummary `json:"creator"`
}

// Message is a channel message as returned by the API
type Message struct {
	ID        string      `json:"id"`
	Content   string      `json:"content"`
	ChannelID string      `json:"channelId"`
	UserID    string      `json:"userId"`
	CreatedAt int64       `json:"createdAt"`
	User      UserSummary `json:"user"`
}

// DirectMessage is a DM as returned by the API
type DirectMessage struct {
	ID         string      `json:"id"`
	Content    string      `json:"content"`
	SenderID   string      `json:"senderId"`
	ReceiverID string      `json:"receiverId"`
	CreatedAt  int64       `json:"createdAt"`
	Sender     UserSummary `json:"sender"`
	Receiver   UserSummary `json:"receiver"`
}

// AuthResult is the token + user pair returned by login/register/setup
type AuthResult struct {
	Token string `json:"token"`
	User  *User  `json:"user"`
}

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// API is a typed HTTP client for the server's JSON API
type API struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewAPI creates an API client for the given base URL (e.g. "http://host:8080")
func NewAPI(baseURL string) *API {
	return &API{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// SetToken sets the bearer token used on subsequent requests
func (a *API) SetToken(token string) {
	a.token = token
}

// Token returns the current bearer token
func (a *API) Token() string {
	return a.token
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&apiErr)
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// Register creates an account and stores the returned token
func (a *API) Register(ctx context.Context, username, password string) (*AuthResult, error) {
	var result AuthResult
	err := a.do(ctx, http.MethodPost, "/api/register",
		map[string]string{"username": username, "password": password}, &result)
	if err != nil {
		return nil, err
	}
	a.token = result.Token
	return &result, nil
}

// Login authenticates and stores the returned token
func (a *API) Login(ctx context.Context, username, password string) (*AuthResult, error) {
	var result AuthResult
	err := a.do(ctx, http.MethodPost, "/api/login",
		map[string]string{"username": username, "password": password}, &result)
	if err != nil {
		return nil, err
	}
	a.token = result.Token
	return &result, nil
}

// Logout revokes the current token
func (a *API) Logout(ctx context.Context) error {
	if err := a.do(ctx, http.MethodPost, "/api/logout", nil, nil); err != nil {
		return err
	}
	a.token = ""
	return nil
}

// Setup performs first-run admin creation
func (a *API) Setup(ctx context.Context, username, password string) (*AuthResult, error) {
	var result AuthResult
	err := a.do(ctx, http.MethodPost, "/api/setup",
		map[string]string{"username": username, "password": password}, &result)
	if err != nil {
		return nil, err
	}
	a.token = result.Token
	return &result, nil
}

// NeedsSetup reports whether the server still needs first-run setup
func (a *API) NeedsSetup(ctx context.Context) (bool, error) {
	var result struct {
		NeedsSetup bool `json:"needsSetup"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/setup", nil, &result); err != nil {
		return false, err
	}
	return result.NeedsSetup, nil
}

// CurrentUser fetches the authenticated user's account
func (a *API) CurrentUser(ctx context.Context) (*User, error) {
	var user User
	if err := a.do(ctx, http.MethodGet, "/api/user", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// ListChannels fetches all channels
func (a *API) ListChannels(ctx context.Context) ([]Channel, error) {
	var channels []Channel
	if err := a.do(ctx, http.MethodGet, "/api/channels", nil, &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

// ListChannelMessages fetches a channel's messages, oldest first
func (a *API) ListChannelMessages(ctx context.Context, channelID string) ([]Message, error) {
	var messages []Message
	path := fmt.Sprintf("/api/channels/%s/messages", channelID)
	if err := a.do(ctx, http.MethodGet, path, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// PostMessage sends a message to a channel
func (a *API) PostMessage(ctx context.Context, channelID, content string) (*Message, error) {
	var msg Message
	err := a.do(ctx, http.MethodPost, "/api/messages",
		map[string]string{"channelId": channelID, "content": content}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// EditMessage replaces a message's content (author only)
func (a *API) EditMessage(ctx context.Context, messageID, content string) (*Message, error) {
	var msg Message
	err := a.do(ctx, http.MethodPatch, "/api/messages/"+messageID,
		map[string]string{"content": content}, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// DeleteMessage removes a message (author or moderator)
func (a *API) DeleteMessage(ctx context.Context, messageID string) error {
	return a.do(ctx, http.MethodDelete, "/api/messages/"+messageID, nil, nil)
}

// SendDM sends a direct message to another user
func (a *API) SendDM(ctx context.Context, receiverID, content string) (*DirectMessage, error) {
	var dm DirectMessage
	err := a.do(ctx, http.MethodPost, "/api/dms",
		map[string]string{"receiverId": receiverID, "content": content}, &dm)
	if err != nil {
		return nil, err
	}
	return &dm, nil
}

// ListConversations fetches the users this account has exchanged DMs with
func (a *API) ListConversations(ctx context.Context) ([]UserSummary, error) {
	var partners []UserSummary
	if err := a.do(ctx, http.MethodGet, "/api/dms/conversations", nil, &partners); err != nil {
		return nil, err
	}
	return partners, nil
}

// GetConversation fetches the DM history with another user, oldest first
func (a *API) GetConversation(ctx context.Context, userID string) ([]DirectMessage, error) {
	var dms []DirectMessage
	if err := a.do(ctx, http.MethodGet, "/api/dms/"+userID, nil, &dms); err != nil {
		return nil, err
	}
	return dms, nil
}

// ListUsers fetches the user directory
func (a *API) ListUsers(ctx context.Context) ([]UserSummary, error) {
	var users []UserSummary
	if err := a.do(ctx, http.MethodGet, "/api/users", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// Report files a report against a user or a message
func (a *API) Report(ctx context.Context, targetUserID, targetMessageID *string, reason string) error {
	body := map[string]any{"reason": reason}
	if targetUserID != nil {
		body["targetUserId"] = *targetUserID
	}
	if targetMessageID != nil {
		body["targetMessageId"] = *targetMessageID
	}
	return a.do(ctx, http.MethodPost, "/api/reports", body, nil)
}
