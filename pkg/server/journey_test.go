package server

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/teamchat/pkg/client"
	"github.com/aeolun/teamchat/pkg/database"
)

// testEnv is a full in-process server with a usable base URL
type testEnv struct {
	t       *testing.T
	srv     *Server
	db      *database.DB
	baseURL string
	wsURL   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	config := DefaultConfig()
	config.HTTPPort = 0
	config.MetricsPort = 0
	config.JWTSecret = "journey-secret"

	srv, err := NewServer(db, config, Options{})
	require.NoError(t, err)
	require.NoError(t, srv.Start())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Stop(ctx)
		db.Close()
	})

	_, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)

	return &testEnv{
		t:       t,
		srv:     srv,
		db:      db,
		baseURL: "http://127.0.0.1:" + port,
		wsURL:   "ws://127.0.0.1:" + port + "/ws",
	}
}

// setupAdmin completes first-run setup and returns an authenticated API client
func (e *testEnv) setupAdmin(username string) *client.API {
	e.t.Helper()
	api := client.NewAPI(e.baseURL)
	_, err := api.Setup(context.Background(), username, "adminpass")
	require.NoError(e.t, err)
	return api
}

// register creates a regular account and returns an authenticated API client
func (e *testEnv) register(username string) *client.API {
	e.t.Helper()
	api := client.NewAPI(e.baseURL)
	_, err := api.Register(context.Background(), username, "password123")
	require.NoError(e.t, err)
	return api
}

// dialWS opens an authenticated event stream
func (e *testEnv) dialWS(token string) *websocket.Conn {
	e.t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(e.wsURL+"?token="+token, nil)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { ws.Close() })
	return ws
}

func (e *testEnv) promote(admin *client.API, userID, role string) {
	e.t.Helper()
	err := apiPatch(admin, e.baseURL, "/api/admin/users/"+userID+"/role",
		map[string]string{"role": role})
	require.NoError(e.t, err)
}

func apiPatch(api *client.API, baseURL, path string, body any) error {
	return apiCall(api, baseURL, "PATCH", path, body)
}

func apiPost(api *client.API, baseURL, path string, body any) error {
	return apiCall(api, baseURL, "POST", path, body)
}

func TestFirstRunSetup(t *testing.T) {
	env := newTestEnv(t)
	api := client.NewAPI(env.baseURL)
	ctx := context.Background()

	needsSetup, err := api.NeedsSetup(ctx)
	require.NoError(t, err)
	assert.True(t, needsSetup)

	result, err := api.Setup(ctx, "boss", "adminpass")
	require.NoError(t, err)
	assert.Equal(t, "admin", result.User.Role)

	needsSetup, err = api.NeedsSetup(ctx)
	require.NoError(t, err)
	assert.False(t, needsSetup)

	// Seed channels exist
	channels, err := api.ListChannels(ctx)
	require.NoError(t, err)
	require.Len(t, channels, 2)

	// Second setup is rejected
	_, err = client.NewAPI(env.baseURL).Setup(ctx, "intruder", "password")
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 409, apiErr.StatusCode)
}

func TestPostMessageBroadcastsToConnectedClients(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	admin := env.setupAdmin("boss")
	alice := env.register("alice")
	bob := env.register("bob")

	channels, err := admin.ListChannels(ctx)
	require.NoError(t, err)
	general := channels[0]

	bobWS := env.dialWS(bob.Token())

	msg, err := alice.PostMessage(ctx, general.ID, "hello everyone")
	require.NoError(t, err)
	assert.Equal(t, "alice", msg.User.Username)

	ev := readEvent(t, bobWS)
	assert.Equal(t, EventNewMessage, ev.Type)
	assert.Equal(t, general.ID, ev.ChannelID)
	require.NotNil(t, ev.Message)
	assert.Equal(t, msg.ID, ev.Message.ID)
	assert.Equal(t, "hello everyone", ev.Message.Content)

	// Authoritative state via refetch matches
	messages, err := bob.ListChannelMessages(ctx, general.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello everyone", messages[0].Content)
}

func TestEditAndDeleteOwnership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	admin := env.setupAdmin("boss")
	alice := env.register("alice")
	bob := env.register("bob")

	channels, err := admin.ListChannels(ctx)
	require.NoError(t, err)
	general := channels[0]

	msg, err := alice.PostMessage(ctx, general.ID, "original")
	require.NoError(t, err)

	// Non-author cannot edit, regardless of role
	_, err = bob.EditMessage(ctx, msg.ID, "hijacked")
	requireStatus(t, err, 403)
	_, err = admin.EditMessage(ctx, msg.ID, "hijacked")
	requireStatus(t, err, 403)

	// Author can edit
	edited, err := alice.EditMessage(ctx, msg.ID, "revised")
	require.NoError(t, err)
	assert.Equal(t, "revised", edited.Content)

	// Non-author regular user cannot delete
	requireStatus(t, bob.DeleteMessage(ctx, msg.ID), 403)

	// Author can delete
	require.NoError(t, alice.DeleteMessage(ctx, msg.ID))
	messages, err := alice.ListChannelMessages(ctx, general.ID)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestModeratorDeleteWritesModerationLog(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	admin := env.setupAdmin("boss")
	alice := env.register("alice")
	mod := env.register("mira")

	modUser, err := mod.CurrentUser(ctx)
	require.NoError(t, err)
	aliceUser, err := alice.CurrentUser(ctx)
	require.NoError(t, err)
	env.promote(admin, modUser.ID, "moderator")

	channels, err := admin.ListChannels(ctx)
	require.NoError(t, err)
	general := channels[0]

	msg, err := alice.PostMessage(ctx, general.ID, "rule-breaking content")
	require.NoError(t, err)

	watcher := env.dialWS(alice.Token())

	require.NoError(t, mod.DeleteMessage(ctx, msg.ID))

	ev := readEvent(t, watcher)
	assert.Equal(t, EventDeleteMessage, ev.Type)
	assert.Equal(t, general.ID, ev.ChannelID)
	assert.Equal(t, msg.ID, ev.MessageID)

	logs, err := env.db.ListModerationLogs()
	require.NoError(t, err)
	require.Len(t, logs, 2) // change_role from the promotion, then the delete
	assert.Equal(t, "delete_message", logs[0].Action)
	// The log points at the offending author, not the removed row
	assert.Equal(t, aliceUser.ID, logs[0].TargetID)
	assert.Equal(t, "mira", logs[0].Admin.Username)
}

func TestNoEventOnFailedPersistence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.setupAdmin("boss")
	alice := env.register("alice")

	watcher := env.dialWS(alice.Token())

	_, err := alice.PostMessage(ctx, "no-such-channel", "into the void")
	requireStatus(t, err, 404)

	requireNoEvent(t, watcher)
}

func TestDirectMessageFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.setupAdmin("boss")
	alice := env.register("alice")
	bob := env.register("bob")

	bobUser, err := bob.CurrentUser(ctx)
	require.NoError(t, err)
	aliceUser, err := alice.CurrentUser(ctx)
	require.NoError(t, err)

	bobWS := env.dialWS(bob.Token())

	dm, err := alice.SendDM(ctx, bobUser.ID, "psst")
	require.NoError(t, err)
	assert.Equal(t, "alice", dm.Sender.Username)

	ev := readEvent(t, bobWS)
	assert.Equal(t, EventNewDirectMessage, ev.Type)
	require.NotNil(t, ev.DM)
	assert.Equal(t, aliceUser.ID, ev.DM.SenderID)
	assert.Equal(t, bobUser.ID, ev.DM.ReceiverID)

	convo, err := bob.GetConversation(ctx, aliceUser.ID)
	require.NoError(t, err)
	require.Len(t, convo, 1)
	assert.Equal(t, "psst", convo[0].Content)

	partners, err := bob.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, partners, 1)
	assert.Equal(t, "alice", partners[0].Username)

	// Self-DMs are rejected
	_, err = alice.SendDM(ctx, aliceUser.ID, "talking to myself")
	requireStatus(t, err, 400)
}

func TestRoleGates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	admin := env.setupAdmin("boss")
	alice := env.register("alice")
	mod := env.register("mira")

	modUser, err := mod.CurrentUser(ctx)
	require.NoError(t, err)
	aliceUser, err := alice.CurrentUser(ctx)
	require.NoError(t, err)
	env.promote(admin, modUser.ID, "moderator")

	// Regular user is locked out of the admin surface
	requireStatus(t, apiPost(alice, env.baseURL, "/api/admin/users/"+modUser.ID+"/ban",
		map[string]string{}), 403)
	requireStatus(t, apiPatch(alice, env.baseURL, "/api/admin/users/"+modUser.ID+"/role",
		map[string]string{"role": "admin"}), 403)

	// Moderator can moderate but not change roles or list accounts
	requireStatus(t, apiPatch(mod, env.baseURL, "/api/admin/users/"+aliceUser.ID+"/role",
		map[string]string{"role": "moderator"}), 403)
	require.NoError(t, apiPost(mod, env.baseURL, "/api/admin/users/"+aliceUser.ID+"/timeout",
		map[string]any{"durationMinutes": 5}))

	// Moderator cannot act on peers or superiors
	requireStatus(t, apiPost(mod, env.baseURL, "/api/admin/users/"+modUser.ID+"/ban",
		map[string]string{}), 400) // self
	adminUser, err := admin.CurrentUser(ctx)
	require.NoError(t, err)
	requireStatus(t, apiPost(mod, env.baseURL, "/api/admin/users/"+adminUser.ID+"/ban",
		map[string]string{}), 403)
}

func TestBanBlocksLoginAndTimeoutBlocksPosting(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	admin := env.setupAdmin("boss")
	troll := env.register("troll")
	noisy := env.register("noisy")

	trollUser, err := troll.CurrentUser(ctx)
	require.NoError(t, err)
	noisyUser, err := noisy.CurrentUser(ctx)
	require.NoError(t, err)

	channels, err := admin.ListChannels(ctx)
	require.NoError(t, err)
	general := channels[0]

	require.NoError(t, apiPost(admin, env.baseURL, "/api/admin/users/"+trollUser.ID+"/ban",
		map[string]string{"reason": "abuse"}))
	_, err = client.NewAPI(env.baseURL).Login(ctx, "troll", "password123")
	requireStatus(t, err, 403)

	require.NoError(t, apiPost(admin, env.baseURL, "/api/admin/users/"+noisyUser.ID+"/timeout",
		map[string]any{"durationMinutes": 10, "reason": "spam"}))
	_, err = noisy.PostMessage(ctx, general.ID, "still here")
	requireStatus(t, err, 403)
	_, err = noisy.SendDM(ctx, trollUser.ID, "hey")
	requireStatus(t, err, 403)

	// Timed-out users can still read
	_, err = noisy.ListChannelMessages(ctx, general.ID)
	require.NoError(t, err)
}

func TestReportJourney(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	admin := env.setupAdmin("boss")
	alice := env.register("alice")
	troll := env.register("troll")

	channels, err := admin.ListChannels(ctx)
	require.NoError(t, err)
	msg, err := troll.PostMessage(ctx, channels[0].ID, "nasty")
	require.NoError(t, err)

	require.NoError(t, alice.Report(ctx, nil, &msg.ID, "offensive message"))

	// Reports require a target
	requireStatus(t, alice.Report(ctx, nil, nil, "about nothing"), 400)

	reports, err := listAdminReports(admin, env.baseURL)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "pending", reports[0].Status)
	assert.Equal(t, "alice", reports[0].Reporter.Username)

	require.NoError(t, apiPatch(admin, env.baseURL, "/api/admin/reports/"+reports[0].ID,
		map[string]string{"status": "resolved"}))

	reports, err = listAdminReports(admin, env.baseURL)
	require.NoError(t, err)
	assert.Equal(t, "resolved", reports[0].Status)
}

func TestProfileUpdateBroadcastsUserUpdated(t *testing.T) {
	env := newTestEnv(t)

	env.setupAdmin("boss")
	alice := env.register("alice")
	bob := env.register("bob")

	bobWS := env.dialWS(bob.Token())

	err := apiPatch(alice, env.baseURL, "/api/user", map[string]string{"displayName": "Alice A."})
	require.NoError(t, err)

	ev := readEvent(t, bobWS)
	assert.Equal(t, EventUserUpdated, ev.Type)
	// Global event carries no payload
	assert.Empty(t, ev.ChannelID)
	assert.Nil(t, ev.Message)
	assert.Nil(t, ev.DM)
}

func TestProfileFieldLengthLimits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.setupAdmin("boss")
	alice := env.register("alice")

	err := apiPatch(alice, env.baseURL, "/api/user", map[string]string{"bio": strings.Repeat("b", 501)})
	requireStatus(t, err, 400)

	err = apiPatch(alice, env.baseURL, "/api/user", map[string]string{"displayName": strings.Repeat("d", 101)})
	requireStatus(t, err, 400)

	// At the limit is fine
	bio := strings.Repeat("b", 500)
	require.NoError(t, apiPatch(alice, env.baseURL, "/api/user", map[string]string{"bio": bio}))

	user, err := alice.CurrentUser(ctx)
	require.NoError(t, err)
	require.NotNil(t, user.Bio)
	assert.Equal(t, bio, *user.Bio)
}

func TestLogoutRevokesToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.setupAdmin("boss")
	alice := env.register("alice")
	token := alice.Token()

	require.NoError(t, alice.Logout(ctx))

	alice.SetToken(token)
	_, err := alice.CurrentUser(ctx)
	requireStatus(t, err, 401)
}

func TestWebSocketRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(env.wsURL+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestUserDirectory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.setupAdmin("boss")
	alice := env.register("alice")
	env.register("bob")

	users, err := alice.ListUsers(ctx)
	require.NoError(t, err)
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Username)
	}
	assert.ElementsMatch(t, []string{"boss", "alice", "bob"}, names)
}

func TestChannelManagement(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	admin := env.setupAdmin("boss")
	alice := env.register("alice")
	bob := env.register("bob")

	created, err := createChannel(alice, env.baseURL, "alice-corner", "her place")
	require.NoError(t, err)

	// Creator can rename, a stranger cannot
	requireStatus(t, apiPatch(bob, env.baseURL, "/api/channels/"+created.ID,
		map[string]string{"name": "bobs-now"}), 403)
	require.NoError(t, apiPatch(alice, env.baseURL, "/api/channels/"+created.ID,
		map[string]string{"name": "alices-corner"}))

	// Moderator-or-better can delete someone else's channel; that writes a log
	require.NoError(t, apiCall(admin, env.baseURL, "DELETE", "/api/channels/"+created.ID, nil))
	logs, err := env.db.ListModerationLogs()
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "delete_channel", logs[0].Action)
	assert.Equal(t, created.ID, logs[0].TargetID)

	// The channel is really gone
	channels, err := alice.ListChannels(ctx)
	require.NoError(t, err)
	for _, c := range channels {
		assert.NotEqual(t, created.ID, c.ID)
	}
}
