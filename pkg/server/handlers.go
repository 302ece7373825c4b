package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aeolun/teamchat/pkg/database"
)

// Role ordering for authorization checks. Higher rank includes every
// permission of the ranks below it.
var roleRank = map[string]int{
	"user":      0,
	"moderator": 1,
	"admin":     2,
}

func roleAtLeast(role, min string) bool {
	return roleRank[role] >= roleRank[min]
}

// ---------------------------------------------------------------------------
// Request/response types
// ---------------------------------------------------------------------------

type registerRequest struct {
	Username    string  `json:"username" validate:"required"`
	Password    string  `json:"password" validate:"required"`
	DisplayName *string `json:"displayName"`
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type updateProfileRequest struct {
	Username    *string `json:"username"`
	DisplayName *string `json:"displayName" validate:"omitempty,max=100"`
	Bio         *string `json:"bio" validate:"omitempty,max=500"`
}

type updatePasswordRequest struct {
	CurrentPassword string `json:"currentPassword" validate:"required"`
	NewPassword     string `json:"newPassword" validate:"required"`
}

type createChannelRequest struct {
	Name        string  `json:"name" validate:"required,max=50"`
	Description *string `json:"description"`
}

type updateChannelRequest struct {
	Name        *string `json:"name" validate:"omitempty,max=50"`
	Description *string `json:"description"`
}

type createMessageRequest struct {
	ChannelID string `json:"channelId" validate:"required"`
	Content   string `json:"content" validate:"required"`
}

type updateMessageRequest struct {
	Content string `json:"content" validate:"required"`
}

type createDMRequest struct {
	ReceiverID string `json:"receiverId" validate:"required"`
	Content    string `json:"content" validate:"required"`
}

type createReportRequest struct {
	TargetUserID    *string `json:"targetUserId"`
	TargetMessageID *string `json:"targetMessageId"`
	Reason          string  `json:"reason" validate:"required,max=1000"`
}

type updateRoleRequest struct {
	Role string `json:"role" validate:"required,oneof=user moderator admin"`
}

type moderationActionRequest struct {
	Reason *string `json:"reason"`
}

type timeoutRequest struct {
	Reason          *string `json:"reason"`
	DurationMinutes int     `json:"durationMinutes" validate:"required,min=1,max=10080"`
}

type updateReportRequest struct {
	Status string `json:"status" validate:"required,oneof=pending resolved dismissed"`
}

type authResponse struct {
	Token string        `json:"token"`
	User  *userResponse `json:"user"`
}

type userResponse struct {
	ID           string  `json:"id"`
	Username     string  `json:"username"`
	DisplayName  *string `json:"displayName"`
	Role         string  `json:"role"`
	Bio          *string `json:"bio"`
	IsBanned     bool    `json:"isBanned"`
	TimeoutUntil *int64  `json:"timeoutUntil"`
	CreatedAt    int64   `json:"createdAt"`
}

type channelResponse struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	Description *string              `json:"description"`
	CreatedBy   string               `json:"createdBy"`
	CreatedAt   int64                `json:"createdAt"`
	Creator     database.UserSummary `json:"creator"`
}

type reportResponse struct {
	ID              string                `json:"id"`
	ReporterID      string                `json:"reporterId"`
	TargetUserID    *string               `json:"targetUserId"`
	TargetMessageID *string               `json:"targetMessageId"`
	Reason          string                `json:"reason"`
	Status          string                `json:"status"`
	CreatedAt       int64                 `json:"createdAt"`
	Reporter        database.UserSummary  `json:"reporter"`
	TargetUser      *database.UserSummary `json:"targetUser,omitempty"`
	TargetMessage   *MessagePayload       `json:"targetMessage,omitempty"`
}

type moderationLogResponse struct {
	ID        string               `json:"id"`
	Action    string               `json:"action"`
	TargetID  string               `json:"targetId"`
	Reason    *string              `json:"reason"`
	AdminID   string               `json:"adminId"`
	CreatedAt int64                `json:"createdAt"`
	Admin     database.UserSummary `json:"admin"`
}

func toUserResponse(u *database.User) *userResponse {
	return &userResponse{
		ID:           u.ID,
		Username:     u.Username,
		DisplayName:  u.DisplayName,
		Role:         u.Role,
		Bio:          u.Bio,
		IsBanned:     u.IsBanned,
		TimeoutUntil: u.TimeoutUntil,
		CreatedAt:    u.CreatedAt,
	}
}

func toChannelResponse(c *database.ChannelWithCreator) *channelResponse {
	return &channelResponse{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		CreatedBy:   c.CreatedBy,
		CreatedAt:   c.CreatedAt,
		Creator:     c.Creator,
	}
}

func toReportResponse(r *database.ReportWithDetails) *reportResponse {
	resp := &reportResponse{
		ID:              r.ID,
		ReporterID:      r.ReporterID,
		TargetUserID:    r.TargetUserID,
		TargetMessageID: r.TargetMessageID,
		Reason:          r.Reason,
		Status:          r.Status,
		CreatedAt:       r.CreatedAt,
		Reporter:        r.Reporter,
		TargetUser:      r.TargetUser,
	}
	if r.TargetMessage != nil {
		resp.TargetMessage = messagePayload(r.TargetMessage)
	}
	return resp
}

func toModerationLogResponse(l *database.ModerationLogWithAdmin) *moderationLogResponse {
	return &moderationLogResponse{
		ID:        l.ID,
		Action:    l.Action,
		TargetID:  l.TargetID,
		Reason:    l.Reason,
		AdminID:   l.AdminID,
		CreatedAt: l.CreatedAt,
		Admin:     l.Admin,
	}
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeAndValidate decodes the request body and runs struct validation
func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// writeStoreError maps database sentinel errors to HTTP responses
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrUserNotFound),
		errors.Is(err, database.ErrChannelNotFound),
		errors.Is(err, database.ErrMessageNotFound),
		errors.Is(err, database.ErrReportNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, database.ErrUsernameTaken):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.errorLog.Printf("Storage error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// timedOut reports whether the user is currently under a posting timeout
func timedOut(u *database.User) bool {
	return u.TimeoutUntil != nil && *u.TimeoutUntil > time.Now().UnixMilli()
}

func (s *Server) checkCanPost(w http.ResponseWriter, user *database.User) bool {
	if user.IsBanned {
		writeError(w, http.StatusForbidden, "account is banned")
		return false
	}
	if timedOut(user) {
		writeError(w, http.StatusForbidden, "account is timed out")
		return false
	}
	return true
}

func (s *Server) checkMessageLength(w http.ResponseWriter, content string) bool {
	if len(content) > s.config.MaxMessageLength {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("message exceeds maximum length of %d bytes", s.config.MaxMessageLength))
		return false
	}
	return true
}

func (s *Server) checkUsername(w http.ResponseWriter, username string) bool {
	if len(username) > s.config.MaxUsernameLength {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("username exceeds maximum length of %d characters", s.config.MaxUsernameLength))
		return false
	}
	return true
}

func (s *Server) checkPassword(w http.ResponseWriter, password string) bool {
	if len(password) < s.config.MinPasswordLength {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("password must be at least %d characters", s.config.MinPasswordLength))
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Auth middleware
// ---------------------------------------------------------------------------

type authedHandler func(w http.ResponseWriter, r *http.Request, user *database.User)

// requireAuth resolves the bearer token to a live user record before
// invoking the handler. Authorization failures short-circuit here, before
// any mutation can happen.
func (s *Server) requireAuth(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, _, err := s.authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h(w, r, user)
	}
}

// requireRole is requireAuth plus a minimum-role gate
func (s *Server) requireRole(min string, h authedHandler) http.HandlerFunc {
	return s.requireAuth(func(w http.ResponseWriter, r *http.Request, user *database.User) {
		if !roleAtLeast(user.Role, min) {
			writeError(w, http.StatusForbidden, "insufficient permissions")
			return
		}
		h(w, r, user)
	})
}

// authenticate resolves the request's token to the current user record
func (s *Server) authenticate(r *http.Request) (*database.User, *TokenClaims, error) {
	tokenString, err := TokenFromRequest(r)
	if err != nil {
		return nil, nil, err
	}
	claims, err := s.auth.ValidateToken(tokenString)
	if err != nil {
		return nil, nil, err
	}
	user, err := s.db.GetUser(claims.UserID)
	if err != nil {
		return nil, nil, ErrInvalidToken
	}
	return user, claims, nil
}

// ---------------------------------------------------------------------------
// Setup
// ---------------------------------------------------------------------------

// handleSetupStatus reports whether first-run setup is still needed
func (s *Server) handleSetupStatus(w http.ResponseWriter, r *http.Request) {
	hasAdmin, err := s.db.HasAdminUser()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"needsSetup": !hasAdmin})
}

// handleSetup creates the initial admin account and seed channels.
// Only valid while no admin exists.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	hasAdmin, err := s.db.HasAdminUser()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if hasAdmin {
		writeError(w, http.StatusConflict, "setup has already been completed")
		return
	}

	var req registerRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if !s.checkUsername(w, req.Username) || !s.checkPassword(w, req.Password) {
		return
	}

	hash, err := s.auth.HashPassword(req.Password)
	if err != nil {
		s.errorLog.Printf("Password hashing failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	admin, err := s.db.CreateUser(req.Username, hash, "admin")
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	seeds := make([]struct{ Name, Description string }, 0, len(s.config.SeedChannels))
	for _, sc := range s.config.SeedChannels {
		seeds = append(seeds, struct{ Name, Description string }{sc.Name, sc.Description})
	}
	if err := s.db.SeedChannels(admin.ID, seeds); err != nil {
		s.errorLog.Printf("Failed to seed channels: %v", err)
	}

	token, err := s.auth.GenerateToken(admin.ID)
	if err != nil {
		s.errorLog.Printf("Token generation failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.debugLog.Printf("Setup completed, admin account %q created", admin.Username)
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: toUserResponse(admin)})
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if !s.checkUsername(w, req.Username) || !s.checkPassword(w, req.Password) {
		return
	}

	hash, err := s.auth.HashPassword(req.Password)
	if err != nil {
		s.errorLog.Printf("Password hashing failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	user, err := s.db.CreateUser(req.Username, hash, "user")
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if req.DisplayName != nil {
		user, err = s.db.UpdateUserProfile(user.ID, nil, req.DisplayName, nil)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
	}

	token, err := s.auth.GenerateToken(user.ID)
	if err != nil {
		s.errorLog.Printf("Token generation failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.debugLog.Printf("User %q registered", user.Username)
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: toUserResponse(user)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	user, err := s.db.GetUserByUsername(req.Username)
	if err != nil {
		// Indistinguishable from a wrong password on purpose
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if err := s.auth.CheckPassword(user.PasswordHash, req.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	}
	if user.IsBanned {
		writeError(w, http.StatusForbidden, "account is banned")
		return
	}

	token, err := s.auth.GenerateToken(user.ID)
	if err != nil {
		s.errorLog.Printf("Token generation failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.debugLog.Printf("User %q logged in", user.Username)
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: toUserResponse(user)})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	_, claims, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	s.auth.RevokeToken(claims)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCurrentUser(w http.ResponseWriter, r *http.Request, user *database.User) {
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request, user *database.User) {
	var req updateProfileRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if req.Username != nil && !s.checkUsername(w, *req.Username) {
		return
	}

	updated, err := s.db.UpdateUserProfile(user.ID, req.Username, req.DisplayName, req.Bio)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.hub.Broadcast(UserUpdatedEvent())
	writeJSON(w, http.StatusOK, toUserResponse(updated))
}

func (s *Server) handleUpdatePassword(w http.ResponseWriter, r *http.Request, user *database.User) {
	var req updatePasswordRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if !s.checkPassword(w, req.NewPassword) {
		return
	}
	if err := s.auth.CheckPassword(user.PasswordHash, req.CurrentPassword); err != nil {
		writeError(w, http.StatusForbidden, "current password is incorrect")
		return
	}

	hash, err := s.auth.HashPassword(req.NewPassword)
	if err != nil {
		s.errorLog.Printf("Password hashing failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if err := s.db.UpdateUserPassword(user.ID, hash); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleListUsers is the user directory used to start DM conversations
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request, user *database.User) {
	users, err := s.db.ListUsers()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	summaries := make([]database.UserSummary, 0, len(users))
	for _, u := range users {
		summaries = append(summaries, u.Summary())
	}
	writeJSON(w, http.StatusOK, summaries)
}

// ---------------------------------------------------------------------------
// Channels
// ---------------------------------------------------------------------------

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request, user *database.User) {
	channels, err := s.db.ListChannels()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	resp := make([]*channelResponse, 0, len(channels))
	for _, c := range channels {
		resp = append(resp, toChannelResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request, user *database.User) {
	var req createChannelRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	channel, err := s.db.CreateChannel(req.Name, req.Description, user.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	created, err := s.db.GetChannel(channel.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toChannelResponse(created))
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request, user *database.User) {
	channel, err := s.db.GetChannel(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toChannelResponse(channel))
}

func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request, user *database.User) {
	channel, err := s.db.GetChannel(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if channel.CreatedBy != user.ID && !roleAtLeast(user.Role, "moderator") {
		writeError(w, http.StatusForbidden, "only the channel creator or a moderator can edit a channel")
		return
	}

	var req updateChannelRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	updated, err := s.db.UpdateChannel(channel.ID, req.Name, req.Description)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toChannelResponse(updated))
}

func (s *Server) handleDeleteChannel(w http.ResponseWriter, r *http.Request, user *database.User) {
	channel, err := s.db.GetChannel(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	isCreator := channel.CreatedBy == user.ID
	if !isCreator && !roleAtLeast(user.Role, "moderator") {
		writeError(w, http.StatusForbidden, "only the channel creator or a moderator can delete a channel")
		return
	}

	if err := s.db.DeleteChannel(channel.ID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if !isCreator {
		if _, err := s.db.CreateModerationLog("delete_channel", channel.ID, nil, user.ID); err != nil {
			s.errorLog.Printf("Failed to write moderation log: %v", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func (s *Server) handleListChannelMessages(w http.ResponseWriter, r *http.Request, user *database.User) {
	channelID := r.PathValue("id")
	if _, err := s.db.GetChannel(channelID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	messages, err := s.db.ListChannelMessages(channelID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	resp := make([]*MessagePayload, 0, len(messages))
	for _, m := range messages {
		resp = append(resp, messagePayload(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request, user *database.User) {
	if !s.checkCanPost(w, user) {
		return
	}

	var req createMessageRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if !s.checkMessageLength(w, req.Content) {
		return
	}
	if _, err := s.db.GetChannel(req.ChannelID); err != nil {
		s.writeStoreError(w, err)
		return
	}

	msg, err := s.db.CreateMessage(req.ChannelID, user.ID, req.Content)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	// Broadcast only after the row is durably written
	s.hub.Broadcast(NewMessageEvent(msg))
	writeJSON(w, http.StatusCreated, messagePayload(msg))
}

func (s *Server) handleUpdateMessage(w http.ResponseWriter, r *http.Request, user *database.User) {
	msg, err := s.db.GetMessage(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	// Editing is author-only regardless of role
	if msg.UserID != user.ID {
		writeError(w, http.StatusForbidden, "only the author can edit a message")
		return
	}

	var req updateMessageRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if !s.checkMessageLength(w, req.Content) {
		return
	}

	updated, err := s.db.UpdateMessage(msg.ID, req.Content)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.hub.Broadcast(UpdateMessageEvent(updated))
	writeJSON(w, http.StatusOK, messagePayload(updated))
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request, user *database.User) {
	msg, err := s.db.GetMessage(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	isAuthor := msg.UserID == user.ID
	if !isAuthor && !roleAtLeast(user.Role, "moderator") {
		writeError(w, http.StatusForbidden, "only the author or a moderator can delete a message")
		return
	}

	if err := s.db.DeleteMessage(msg.ID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if !isAuthor {
		// The log targets the message's author, like ban/timeout logs do
		if _, err := s.db.CreateModerationLog("delete_message", msg.UserID, nil, user.ID); err != nil {
			s.errorLog.Printf("Failed to write moderation log: %v", err)
		}
	}

	s.hub.Broadcast(DeleteMessageEvent(msg.ChannelID, msg.ID))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ---------------------------------------------------------------------------
// Direct messages
// ---------------------------------------------------------------------------

func (s *Server) handleCreateDM(w http.ResponseWriter, r *http.Request, user *database.User) {
	if !s.checkCanPost(w, user) {
		return
	}

	var req createDMRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if !s.checkMessageLength(w, req.Content) {
		return
	}
	if req.ReceiverID == user.ID {
		writeError(w, http.StatusBadRequest, "cannot send a direct message to yourself")
		return
	}
	if _, err := s.db.GetUser(req.ReceiverID); err != nil {
		s.writeStoreError(w, err)
		return
	}

	dm, err := s.db.CreateDirectMessage(user.ID, req.ReceiverID, req.Content)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.hub.Broadcast(NewDirectMessageEvent(dm))
	writeJSON(w, http.StatusCreated, dmPayload(dm))
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, user *database.User) {
	partners, err := s.db.ListConversationPartners(user.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	summaries := make([]database.UserSummary, 0, len(partners))
	for _, p := range partners {
		summaries = append(summaries, p.Summary())
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request, user *database.User) {
	partnerID := r.PathValue("userId")
	if _, err := s.db.GetUser(partnerID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	dms, err := s.db.ListConversation(user.ID, partnerID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	resp := make([]*DMPayload, 0, len(dms))
	for _, dm := range dms {
		resp = append(resp, dmPayload(dm))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Reports
// ---------------------------------------------------------------------------

func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request, user *database.User) {
	var req createReportRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if req.TargetUserID == nil && req.TargetMessageID == nil {
		writeError(w, http.StatusBadRequest, "report must target a user or a message")
		return
	}
	if req.TargetUserID != nil {
		if _, err := s.db.GetUser(*req.TargetUserID); err != nil {
			s.writeStoreError(w, err)
			return
		}
	}
	if req.TargetMessageID != nil {
		if _, err := s.db.GetMessage(*req.TargetMessageID); err != nil {
			s.writeStoreError(w, err)
			return
		}
	}

	report, err := s.db.CreateReport(user.ID, req.TargetUserID, req.TargetMessageID, req.Reason)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": report.ID, "status": report.Status})
}

// ---------------------------------------------------------------------------
// Admin
// ---------------------------------------------------------------------------

func (s *Server) handleAdminListUsers(w http.ResponseWriter, r *http.Request, user *database.User) {
	users, err := s.db.ListUsers()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	resp := make([]*userResponse, 0, len(users))
	for _, u := range users {
		resp = append(resp, toUserResponse(u))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdateUserRole(w http.ResponseWriter, r *http.Request, admin *database.User) {
	var req updateRoleRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	targetID := r.PathValue("id")
	if targetID == admin.ID {
		writeError(w, http.StatusBadRequest, "cannot change your own role")
		return
	}

	updated, err := s.db.UpdateUserRole(targetID, req.Role, admin.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.hub.Broadcast(UserUpdatedEvent())
	writeJSON(w, http.StatusOK, toUserResponse(updated))
}

func (s *Server) handleBanUser(w http.ResponseWriter, r *http.Request, mod *database.User) {
	target, err := s.db.GetUser(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if target.ID == mod.ID {
		writeError(w, http.StatusBadRequest, "cannot ban yourself")
		return
	}
	if roleAtLeast(target.Role, mod.Role) {
		writeError(w, http.StatusForbidden, "cannot ban a user of equal or higher role")
		return
	}

	var req moderationActionRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	if err := s.db.BanUser(target.ID, mod.ID, req.Reason); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.debugLog.Printf("User %q banned by %q", target.Username, mod.Username)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTimeoutUser(w http.ResponseWriter, r *http.Request, mod *database.User) {
	target, err := s.db.GetUser(r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if target.ID == mod.ID {
		writeError(w, http.StatusBadRequest, "cannot time out yourself")
		return
	}
	if roleAtLeast(target.Role, mod.Role) {
		writeError(w, http.StatusForbidden, "cannot time out a user of equal or higher role")
		return
	}

	var req timeoutRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	until := time.Now().Add(time.Duration(req.DurationMinutes) * time.Minute).UnixMilli()
	if err := s.db.TimeoutUser(target.ID, until, mod.ID, req.Reason); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.debugLog.Printf("User %q timed out until %d by %q", target.Username, until, mod.Username)
	writeJSON(w, http.StatusOK, map[string]int64{"timeoutUntil": until})
}

func (s *Server) handleAdminListReports(w http.ResponseWriter, r *http.Request, user *database.User) {
	reports, err := s.db.ListReports()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	resp := make([]*reportResponse, 0, len(reports))
	for _, rep := range reports {
		resp = append(resp, toReportResponse(rep))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdateReport(w http.ResponseWriter, r *http.Request, user *database.User) {
	var req updateReportRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if err := s.db.UpdateReportStatus(r.PathValue("id"), req.Status); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAdminListLogs(w http.ResponseWriter, r *http.Request, user *database.User) {
	logs, err := s.db.ListModerationLogs()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	resp := make([]*moderationLogResponse, 0, len(logs))
	for _, l := range logs {
		resp = append(resp, toModerationLogResponse(l))
	}
	writeJSON(w, http.StatusOK, resp)
}
