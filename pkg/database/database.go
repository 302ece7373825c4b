package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrUserNotFound indicates the user does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrUsernameTaken indicates the username is already registered.
	ErrUsernameTaken = errors.New("username already exists")
	// ErrChannelNotFound indicates the channel does not exist.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrMessageNotFound indicates the message does not exist.
	ErrMessageNotFound = errors.New("message not found")
	// ErrReportNotFound indicates the report does not exist.
	ErrReportNotFound = errors.New("report not found")
)

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

// Open opens a connection to the SQLite database at the given path
// and initializes the schema if needed
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Multiple readers in WAL mode, writes go through the dedicated connection
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := applyPragmas(conn); err != nil {
		conn.Close()
		return nil, err
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	// Exactly 1 write connection, never recycled (SQLite single-writer)
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := applyPragmas(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, err
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
	}

	if err := db.initSchema(); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// applyPragmas configures a connection for concurrent access
func applyPragmas(conn *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database connections
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// initSchema creates all tables and indexes if they don't exist
func (db *DB) initSchema() error {
	schema := `
-- User table
CREATE TABLE IF NOT EXISTS User (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	display_name TEXT,
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'user',
	bio TEXT,
	is_banned INTEGER NOT NULL DEFAULT 0,
	timeout_until INTEGER,
	created_at INTEGER NOT NULL
);

-- Channel table
CREATE TABLE IF NOT EXISTS Channel (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT,
	created_by TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (created_by) REFERENCES User(id)
);

-- Message table
CREATE TABLE IF NOT EXISTS Message (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (channel_id) REFERENCES Channel(id) ON DELETE CASCADE,
	FOREIGN KEY (user_id) REFERENCES User(id)
);

-- DirectMessage table
CREATE TABLE IF NOT EXISTS DirectMessage (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	receiver_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (sender_id) REFERENCES User(id),
	FOREIGN KEY (receiver_id) REFERENCES User(id)
);

-- Report table
CREATE TABLE IF NOT EXISTS Report (
	id TEXT PRIMARY KEY,
	reporter_id TEXT NOT NULL,
	target_user_id TEXT,
	target_message_id TEXT,
	reason TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	created_at INTEGER NOT NULL,
	FOREIGN KEY (reporter_id) REFERENCES User(id)
);

-- ModerationLog table
CREATE TABLE IF NOT EXISTS ModerationLog (
	id TEXT PRIMARY KEY,
	action TEXT NOT NULL,
	target_id TEXT NOT NULL,
	reason TEXT,
	admin_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (admin_id) REFERENCES User(id)
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_messages_channel ON Message(channel_id, created_at);
CREATE INDEX IF NOT EXISTS idx_dms_sender ON DirectMessage(sender_id, created_at);
CREATE INDEX IF NOT EXISTS idx_dms_receiver ON DirectMessage(receiver_id, created_at);
CREATE INDEX IF NOT EXISTS idx_reports_status ON Report(status, created_at);
CREATE INDEX IF NOT EXISTS idx_modlogs_created ON ModerationLog(created_at);
`

	_, err := db.conn.Exec(schema)
	return err
}

// User represents a user account record
type User struct {
	ID           string
	Username     string
	DisplayName  *string
	PasswordHash string
	Role         string // "user", "moderator", or "admin"
	Bio          *string
	IsBanned     bool
	TimeoutUntil *int64 // Unix timestamp in milliseconds
	CreatedAt    int64  // Unix timestamp in milliseconds
}

// UserSummary is the denormalized author info attached to messages
type UserSummary struct {
	ID          string  `json:"id"`
	Username    string  `json:"username"`
	DisplayName *string `json:"displayName"`
	Role        string  `json:"role"`
}

// Summary returns the user's public summary
func (u *User) Summary() UserSummary {
	return UserSummary{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Role:        u.Role,
	}
}

// Channel represents a channel record
type Channel struct {
	ID          string
	Name        string
	Description *string
	CreatedBy   string
	CreatedAt   int64 // Unix timestamp in milliseconds
}

// ChannelWithCreator is a channel joined with its creator's summary
type ChannelWithCreator struct {
	Channel
	Creator UserSummary
}

// Message represents a channel message record
type Message struct {
	ID        string
	Content   string
	ChannelID string
	UserID    string
	CreatedAt int64 // Unix timestamp in milliseconds
}

// MessageWithUser is a message joined with its author's summary
type MessageWithUser struct {
	Message
	User UserSummary
}

// DirectMessage represents a direct message record
type DirectMessage struct {
	ID         string
	Content    string
	SenderID   string
	ReceiverID string
	CreatedAt  int64 // Unix timestamp in milliseconds
}

// DirectMessageWithUsers is a DM joined with both participants' summaries
type DirectMessageWithUsers struct {
	DirectMessage
	Sender   UserSummary
	Receiver UserSummary
}

// Report represents a report record
type Report struct {
	ID              string
	ReporterID      string
	TargetUserID    *string
	TargetMessageID *string
	Reason          string
	Status          string // "pending", "resolved", or "dismissed"
	CreatedAt       int64  // Unix timestamp in milliseconds
}

// ReportWithDetails is a report joined with reporter and target info
type ReportWithDetails struct {
	Report
	Reporter      UserSummary
	TargetUser    *UserSummary
	TargetMessage *MessageWithUser
}

// ModerationLog represents a moderation log entry
type ModerationLog struct {
	ID        string
	Action    string // "delete_message", "timeout_user", "ban_user", "change_role", "delete_channel"
	TargetID  string
	Reason    *string
	AdminID   string
	CreatedAt int64 // Unix timestamp in milliseconds
}

// ModerationLogWithAdmin is a log entry joined with the acting admin's summary
type ModerationLogWithAdmin struct {
	ModerationLog
	Admin UserSummary
}

// nowMillis returns current time as Unix timestamp in milliseconds
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// newID returns a fresh opaque identifier
func newID() string {
	return uuid.NewString()
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// HasAdminUser reports whether any admin account exists (first-run setup check)
func (db *DB) HasAdminUser() (bool, error) {
	var count int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM User WHERE role = 'admin'`).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreateUser creates a new user account with the given role
func (db *DB) CreateUser(username, passwordHash, role string) (*User, error) {
	user := &User{
		ID:           newID(),
		Username:     username,
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    nowMillis(),
	}

	_, err := db.writeConn.Exec(`
		INSERT INTO User (id, username, password_hash, role, is_banned, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`, user.ID, user.Username, user.PasswordHash, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}

	return user, nil
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
// modernc.org/sqlite does not export a typed error for this, so match the message.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	u := &User{}
	var displayName, bio sql.NullString
	var timeoutUntil sql.NullInt64
	var isBanned int

	err := row.Scan(&u.ID, &u.Username, &displayName, &u.PasswordHash, &u.Role,
		&bio, &isBanned, &timeoutUntil, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	if displayName.Valid {
		u.DisplayName = &displayName.String
	}
	if bio.Valid {
		u.Bio = &bio.String
	}
	if timeoutUntil.Valid {
		u.TimeoutUntil = &timeoutUntil.Int64
	}
	u.IsBanned = isBanned != 0

	return u, nil
}

const userColumns = `id, username, display_name, password_hash, role, bio, is_banned, timeout_until, created_at`

// GetUser returns a user by ID
func (db *DB) GetUser(id string) (*User, error) {
	row := db.conn.QueryRow(`SELECT `+userColumns+` FROM User WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByUsername returns a user by username
func (db *DB) GetUserByUsername(username string) (*User, error) {
	row := db.conn.QueryRow(`SELECT `+userColumns+` FROM User WHERE username = ?`, username)
	return scanUser(row)
}

// ListUsers returns all user accounts ordered by creation time
func (db *DB) ListUsers() ([]*User, error) {
	rows, err := db.conn.Query(`SELECT ` + userColumns + ` FROM User ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UpdateUserProfile updates username, display name, and/or bio.
// Nil fields are left unchanged.
func (db *DB) UpdateUserProfile(id string, username, displayName, bio *string) (*User, error) {
	current, err := db.GetUser(id)
	if err != nil {
		return nil, err
	}

	if username != nil {
		current.Username = *username
	}
	if displayName != nil {
		current.DisplayName = displayName
	}
	if bio != nil {
		current.Bio = bio
	}

	_, err = db.writeConn.Exec(`
		UPDATE User SET username = ?, display_name = ?, bio = ? WHERE id = ?
	`, current.Username, nullString(current.DisplayName), nullString(current.Bio), id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}

	return current, nil
}

// UpdateUserPassword replaces the stored password hash
func (db *DB) UpdateUserPassword(id, passwordHash string) error {
	res, err := db.writeConn.Exec(`UPDATE User SET password_hash = ? WHERE id = ?`, passwordHash, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res, ErrUserNotFound)
}

// UpdateUserRole changes a user's role and records a moderation log entry
func (db *DB) UpdateUserRole(id, role, adminID string) (*User, error) {
	res, err := db.writeConn.Exec(`UPDATE User SET role = ? WHERE id = ?`, role, id)
	if err != nil {
		return nil, err
	}
	if err := requireRowAffected(res, ErrUserNotFound); err != nil {
		return nil, err
	}

	reason := fmt.Sprintf("Role changed to %s", role)
	if _, err := db.CreateModerationLog("change_role", id, &reason, adminID); err != nil {
		return nil, err
	}

	return db.GetUser(id)
}

// BanUser marks the user as banned and records a moderation log entry
func (db *DB) BanUser(id, adminID string, reason *string) error {
	res, err := db.writeConn.Exec(`UPDATE User SET is_banned = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := requireRowAffected(res, ErrUserNotFound); err != nil {
		return err
	}

	if reason == nil {
		r := "No reason provided"
		reason = &r
	}
	_, err = db.CreateModerationLog("ban_user", id, reason, adminID)
	return err
}

// TimeoutUser sets a timeout deadline on the user and records a moderation log entry
func (db *DB) TimeoutUser(id string, until int64, adminID string, reason *string) error {
	res, err := db.writeConn.Exec(`UPDATE User SET timeout_until = ? WHERE id = ?`, until, id)
	if err != nil {
		return err
	}
	if err := requireRowAffected(res, ErrUserNotFound); err != nil {
		return err
	}

	if reason == nil {
		r := fmt.Sprintf("Timeout until %s", time.UnixMilli(until).UTC().Format(time.RFC3339))
		reason = &r
	}
	_, err = db.CreateModerationLog("timeout_user", id, reason, adminID)
	return err
}

// DeleteUser removes a user account
func (db *DB) DeleteUser(id string) error {
	res, err := db.writeConn.Exec(`DELETE FROM User WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res, ErrUserNotFound)
}

// ---------------------------------------------------------------------------
// Channels
// ---------------------------------------------------------------------------

// CreateChannel creates a new channel owned by userID
func (db *DB) CreateChannel(name string, description *string, userID string) (*Channel, error) {
	ch := &Channel{
		ID:          newID(),
		Name:        name,
		Description: description,
		CreatedBy:   userID,
		CreatedAt:   nowMillis(),
	}

	_, err := db.writeConn.Exec(`
		INSERT INTO Channel (id, name, description, created_by, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, ch.ID, ch.Name, nullString(ch.Description), ch.CreatedBy, ch.CreatedAt)
	if err != nil {
		return nil, err
	}

	return ch, nil
}

// SeedChannels creates the given channels if none exist yet, owned by ownerID
func (db *DB) SeedChannels(ownerID string, seeds []struct{ Name, Description string }) error {
	var count int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM Channel`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	for _, seed := range seeds {
		desc := seed.Description
		if _, err := db.CreateChannel(seed.Name, &desc, ownerID); err != nil {
			return fmt.Errorf("failed to seed channel %s: %w", seed.Name, err)
		}
	}
	return nil
}

func scanChannelWithCreator(row interface{ Scan(...any) error }) (*ChannelWithCreator, error) {
	ch := &ChannelWithCreator{}
	var desc sql.NullString
	var creatorDisplayName sql.NullString

	err := row.Scan(&ch.ID, &ch.Name, &desc, &ch.CreatedBy, &ch.CreatedAt,
		&ch.Creator.ID, &ch.Creator.Username, &creatorDisplayName, &ch.Creator.Role)
	if err == sql.ErrNoRows {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, err
	}

	if desc.Valid {
		ch.Description = &desc.String
	}
	if creatorDisplayName.Valid {
		ch.Creator.DisplayName = &creatorDisplayName.String
	}

	return ch, nil
}

const channelWithCreatorQuery = `
	SELECT c.id, c.name, c.description, c.created_by, c.created_at,
	       u.id, u.username, u.display_name, u.role
	FROM Channel c
	INNER JOIN User u ON c.created_by = u.id
`

// ListChannels returns all channels with creator info, oldest first
func (db *DB) ListChannels() ([]*ChannelWithCreator, error) {
	rows, err := db.conn.Query(channelWithCreatorQuery + ` ORDER BY c.created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []*ChannelWithCreator
	for rows.Next() {
		ch, err := scanChannelWithCreator(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// GetChannel returns a channel with creator info by ID
func (db *DB) GetChannel(id string) (*ChannelWithCreator, error) {
	row := db.conn.QueryRow(channelWithCreatorQuery+` WHERE c.id = ?`, id)
	return scanChannelWithCreator(row)
}

// UpdateChannel updates a channel's name and/or description.
// Nil fields are left unchanged.
func (db *DB) UpdateChannel(id string, name, description *string) (*ChannelWithCreator, error) {
	current, err := db.GetChannel(id)
	if err != nil {
		return nil, err
	}

	if name != nil {
		current.Name = *name
	}
	if description != nil {
		current.Description = description
	}

	_, err = db.writeConn.Exec(`
		UPDATE Channel SET name = ?, description = ? WHERE id = ?
	`, current.Name, nullString(current.Description), id)
	if err != nil {
		return nil, err
	}

	return current, nil
}

// DeleteChannel removes a channel and (via cascade) its messages
func (db *DB) DeleteChannel(id string) error {
	res, err := db.writeConn.Exec(`DELETE FROM Channel WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res, ErrChannelNotFound)
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// CreateMessage posts a message to a channel and returns it joined with the author
func (db *DB) CreateMessage(channelID, userID, content string) (*MessageWithUser, error) {
	msg := &Message{
		ID:        newID(),
		Content:   content,
		ChannelID: channelID,
		UserID:    userID,
		CreatedAt: nowMillis(),
	}

	_, err := db.writeConn.Exec(`
		INSERT INTO Message (id, content, channel_id, user_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, msg.Content, msg.ChannelID, msg.UserID, msg.CreatedAt)
	if err != nil {
		return nil, err
	}

	user, err := db.GetUser(userID)
	if err != nil {
		return nil, err
	}

	return &MessageWithUser{Message: *msg, User: user.Summary()}, nil
}

// GetMessage returns a message by ID
func (db *DB) GetMessage(id string) (*Message, error) {
	msg := &Message{}
	err := db.conn.QueryRow(`
		SELECT id, content, channel_id, user_id, created_at FROM Message WHERE id = ?
	`, id).Scan(&msg.ID, &msg.Content, &msg.ChannelID, &msg.UserID, &msg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ListChannelMessages returns all messages in a channel with author info, oldest first
func (db *DB) ListChannelMessages(channelID string) ([]*MessageWithUser, error) {
	rows, err := db.conn.Query(`
		SELECT m.id, m.content, m.channel_id, m.user_id, m.created_at,
		       u.id, u.username, u.display_name, u.role
		FROM Message m
		INNER JOIN User u ON m.user_id = u.id
		WHERE m.channel_id = ?
		ORDER BY m.created_at ASC, m.rowid ASC
	`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*MessageWithUser
	for rows.Next() {
		m := &MessageWithUser{}
		var displayName sql.NullString
		err := rows.Scan(&m.ID, &m.Content, &m.ChannelID, &m.UserID, &m.CreatedAt,
			&m.User.ID, &m.User.Username, &displayName, &m.User.Role)
		if err != nil {
			return nil, err
		}
		if displayName.Valid {
			m.User.DisplayName = &displayName.String
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// UpdateMessage replaces a message's content and returns it joined with the author
func (db *DB) UpdateMessage(id, content string) (*MessageWithUser, error) {
	res, err := db.writeConn.Exec(`UPDATE Message SET content = ? WHERE id = ?`, content, id)
	if err != nil {
		return nil, err
	}
	if err := requireRowAffected(res, ErrMessageNotFound); err != nil {
		return nil, err
	}

	msg, err := db.GetMessage(id)
	if err != nil {
		return nil, err
	}
	user, err := db.GetUser(msg.UserID)
	if err != nil {
		return nil, err
	}
	return &MessageWithUser{Message: *msg, User: user.Summary()}, nil
}

// DeleteMessage removes a message
func (db *DB) DeleteMessage(id string) error {
	res, err := db.writeConn.Exec(`DELETE FROM Message WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res, ErrMessageNotFound)
}

// ---------------------------------------------------------------------------
// Direct messages
// ---------------------------------------------------------------------------

// CreateDirectMessage sends a DM and returns it joined with both participants
func (db *DB) CreateDirectMessage(senderID, receiverID, content string) (*DirectMessageWithUsers, error) {
	dm := &DirectMessage{
		ID:         newID(),
		Content:    content,
		SenderID:   senderID,
		ReceiverID: receiverID,
		CreatedAt:  nowMillis(),
	}

	_, err := db.writeConn.Exec(`
		INSERT INTO DirectMessage (id, content, sender_id, receiver_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, dm.ID, dm.Content, dm.SenderID, dm.ReceiverID, dm.CreatedAt)
	if err != nil {
		return nil, err
	}

	sender, err := db.GetUser(senderID)
	if err != nil {
		return nil, err
	}
	receiver, err := db.GetUser(receiverID)
	if err != nil {
		return nil, err
	}

	return &DirectMessageWithUsers{
		DirectMessage: *dm,
		Sender:        sender.Summary(),
		Receiver:      receiver.Summary(),
	}, nil
}

// ListConversation returns all DMs between two users in either direction, oldest first
func (db *DB) ListConversation(userID1, userID2 string) ([]*DirectMessageWithUsers, error) {
	rows, err := db.conn.Query(`
		SELECT d.id, d.content, d.sender_id, d.receiver_id, d.created_at,
		       s.id, s.username, s.display_name, s.role,
		       r.id, r.username, r.display_name, r.role
		FROM DirectMessage d
		INNER JOIN User s ON d.sender_id = s.id
		INNER JOIN User r ON d.receiver_id = r.id
		WHERE (d.sender_id = ? AND d.receiver_id = ?)
		   OR (d.sender_id = ? AND d.receiver_id = ?)
		ORDER BY d.created_at ASC, d.rowid ASC
	`, userID1, userID2, userID2, userID1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dms []*DirectMessageWithUsers
	for rows.Next() {
		dm := &DirectMessageWithUsers{}
		var senderName, receiverName sql.NullString
		err := rows.Scan(&dm.ID, &dm.Content, &dm.SenderID, &dm.ReceiverID, &dm.CreatedAt,
			&dm.Sender.ID, &dm.Sender.Username, &senderName, &dm.Sender.Role,
			&dm.Receiver.ID, &dm.Receiver.Username, &receiverName, &dm.Receiver.Role)
		if err != nil {
			return nil, err
		}
		if senderName.Valid {
			dm.Sender.DisplayName = &senderName.String
		}
		if receiverName.Valid {
			dm.Receiver.DisplayName = &receiverName.String
		}
		dms = append(dms, dm)
	}
	return dms, rows.Err()
}

// ListConversationPartners returns the distinct users this user has exchanged DMs with
func (db *DB) ListConversationPartners(userID string) ([]*User, error) {
	rows, err := db.conn.Query(`
		SELECT `+prefixedUserColumns("u")+`
		FROM User u
		WHERE u.id IN (
			SELECT receiver_id FROM DirectMessage WHERE sender_id = ?
			UNION
			SELECT sender_id FROM DirectMessage WHERE receiver_id = ?
		)
		ORDER BY u.username ASC
	`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func prefixedUserColumns(alias string) string {
	return alias + ".id, " + alias + ".username, " + alias + ".display_name, " +
		alias + ".password_hash, " + alias + ".role, " + alias + ".bio, " +
		alias + ".is_banned, " + alias + ".timeout_until, " + alias + ".created_at"
}

// ---------------------------------------------------------------------------
// Reports
// ---------------------------------------------------------------------------

// CreateReport files a report against a user and/or message
func (db *DB) CreateReport(reporterID string, targetUserID, targetMessageID *string, reason string) (*Report, error) {
	report := &Report{
		ID:              newID(),
		ReporterID:      reporterID,
		TargetUserID:    targetUserID,
		TargetMessageID: targetMessageID,
		Reason:          reason,
		Status:          "pending",
		CreatedAt:       nowMillis(),
	}

	_, err := db.writeConn.Exec(`
		INSERT INTO Report (id, reporter_id, target_user_id, target_message_id, reason, status, created_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?)
	`, report.ID, report.ReporterID, nullString(report.TargetUserID),
		nullString(report.TargetMessageID), report.Reason, report.CreatedAt)
	if err != nil {
		return nil, err
	}

	return report, nil
}

// ListReports returns all reports with reporter and target details, newest first
func (db *DB) ListReports() ([]*ReportWithDetails, error) {
	rows, err := db.conn.Query(`
		SELECT r.id, r.reporter_id, r.target_user_id, r.target_message_id, r.reason, r.status, r.created_at,
		       u.id, u.username, u.display_name, u.role
		FROM Report r
		INNER JOIN User u ON r.reporter_id = u.id
		ORDER BY r.created_at DESC, r.rowid DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []*ReportWithDetails
	for rows.Next() {
		r := &ReportWithDetails{}
		var targetUserID, targetMessageID, reporterName sql.NullString
		err := rows.Scan(&r.ID, &r.ReporterID, &targetUserID, &targetMessageID,
			&r.Reason, &r.Status, &r.CreatedAt,
			&r.Reporter.ID, &r.Reporter.Username, &reporterName, &r.Reporter.Role)
		if err != nil {
			return nil, err
		}
		if targetUserID.Valid {
			r.TargetUserID = &targetUserID.String
		}
		if targetMessageID.Valid {
			r.TargetMessageID = &targetMessageID.String
		}
		if reporterName.Valid {
			r.Reporter.DisplayName = &reporterName.String
		}
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Resolve targets after the main query (targets may have been deleted)
	for _, r := range reports {
		if r.TargetUserID != nil {
			if u, err := db.GetUser(*r.TargetUserID); err == nil {
				summary := u.Summary()
				r.TargetUser = &summary
			}
		}
		if r.TargetMessageID != nil {
			if m, err := db.GetMessage(*r.TargetMessageID); err == nil {
				if u, err := db.GetUser(m.UserID); err == nil {
					r.TargetMessage = &MessageWithUser{Message: *m, User: u.Summary()}
				}
			}
		}
	}

	return reports, nil
}

// UpdateReportStatus changes a report's status
func (db *DB) UpdateReportStatus(id, status string) error {
	res, err := db.writeConn.Exec(`UPDATE Report SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res, ErrReportNotFound)
}

// ---------------------------------------------------------------------------
// Moderation logs
// ---------------------------------------------------------------------------

// CreateModerationLog records a moderation action
func (db *DB) CreateModerationLog(action, targetID string, reason *string, adminID string) (*ModerationLog, error) {
	entry := &ModerationLog{
		ID:        newID(),
		Action:    action,
		TargetID:  targetID,
		Reason:    reason,
		AdminID:   adminID,
		CreatedAt: nowMillis(),
	}

	_, err := db.writeConn.Exec(`
		INSERT INTO ModerationLog (id, action, target_id, reason, admin_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Action, entry.TargetID, nullString(entry.Reason), entry.AdminID, entry.CreatedAt)
	if err != nil {
		return nil, err
	}

	return entry, nil
}

// ListModerationLogs returns all moderation log entries with admin info, newest first
func (db *DB) ListModerationLogs() ([]*ModerationLogWithAdmin, error) {
	rows, err := db.conn.Query(`
		SELECT l.id, l.action, l.target_id, l.reason, l.admin_id, l.created_at,
		       u.id, u.username, u.display_name, u.role
		FROM ModerationLog l
		INNER JOIN User u ON l.admin_id = u.id
		ORDER BY l.created_at DESC, l.rowid DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*ModerationLogWithAdmin
	for rows.Next() {
		entry := &ModerationLogWithAdmin{}
		var reason, adminName sql.NullString
		err := rows.Scan(&entry.ID, &entry.Action, &entry.TargetID, &reason,
			&entry.AdminID, &entry.CreatedAt,
			&entry.Admin.ID, &entry.Admin.Username, &adminName, &entry.Admin.Role)
		if err != nil {
			return nil, err
		}
		if reason.Valid {
			entry.Reason = &reason.String
		}
		if adminName.Valid {
			entry.Admin.DisplayName = &adminName.String
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{Valid: true, String: *s}
}

func requireRowAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
