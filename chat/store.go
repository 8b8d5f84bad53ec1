package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const storeDDL = `
CREATE TABLE IF NOT EXISTS conversations (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	user_identifier TEXT NOT NULL,
	channel         TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations (user_identifier);
CREATE TABLE IF NOT EXISTS messages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id INTEGER NOT NULL REFERENCES conversations (id),
	content         TEXT NOT NULL,
	sender          TEXT NOT NULL,
	channel         TEXT,
	timestamp       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, timestamp);
CREATE TABLE IF NOT EXISTS user_profiles (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	user_identifier  TEXT NOT NULL UNIQUE,
	channel          TEXT,
	name             TEXT,
	email            TEXT,
	phone            TEXT,
	preferences      TEXT,
	is_first_contact INTEGER NOT NULL DEFAULT 1,
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS user_contexts (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	user_identifier    TEXT NOT NULL,
	channel            TEXT NOT NULL,
	context_summary    TEXT,
	last_updated       TIMESTAMP NOT NULL,
	conversation_count INTEGER NOT NULL DEFAULT 0,
	UNIQUE (user_identifier, channel)
);
CREATE TABLE IF NOT EXISTS pending_actions (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id    INTEGER NOT NULL REFERENCES conversations (id),
	action_type        TEXT NOT NULL,
	action_details     TEXT,
	action_description TEXT,
	status             TEXT NOT NULL DEFAULT 'pending',
	thread_id          TEXT NOT NULL,
	created_at         TIMESTAMP NOT NULL,
	resolved_at        TIMESTAMP
);
CREATE TABLE IF NOT EXISTS dataset_items (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	user_input        TEXT NOT NULL,
	expected_intent   TEXT,
	expected_response TEXT,
	category          TEXT,
	quality           TEXT NOT NULL DEFAULT 'silver',
	source            TEXT,
	channel           TEXT,
	is_active         INTEGER NOT NULL DEFAULT 1,
	created_at        TIMESTAMP NOT NULL
);
`

// Pending action statuses.
const (
	ActionStatusPending  = "pending"
	ActionStatusApproved = "approved"
	ActionStatusRejected = "rejected"
)

// ErrActionNotFound is returned when a pending action ID does not exist.
var ErrActionNotFound = errors.New("pending action not found")

// ErrActionResolved is returned when a pending action was already decided.
var ErrActionResolved = errors.New("pending action already resolved")

// StoredMessage is one persisted conversation turn.
type StoredMessage struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Content        string    `json:"content"`
	Sender         string    `json:"sender"`
	Channel        string    `json:"channel"`
	Timestamp      time.Time `json:"timestamp"`
}

// UserProfile is a user's structured profile record.
type UserProfile struct {
	ID             int64     `json:"id"`
	UserID         string    `json:"user_identifier"`
	Channel        string    `json:"channel"`
	Name           string    `json:"name,omitempty"`
	Email          string    `json:"email,omitempty"`
	Phone          string    `json:"phone,omitempty"`
	IsFirstContact bool      `json:"is_first_contact"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// UserContext is a user's long-term memory record.
type UserContext struct {
	UserID            string    `json:"user_identifier"`
	Channel           string    `json:"channel"`
	Summary           string    `json:"context_summary"`
	LastUpdated       time.Time `json:"last_updated"`
	ConversationCount int       `json:"conversation_count"`
}

// PendingAction is an action awaiting human approval.
type PendingAction struct {
	ID             int64      `json:"id"`
	ConversationID int64      `json:"conversation_id"`
	ActionType     string     `json:"action_type"`
	Details        string     `json:"action_details,omitempty"`
	Description    string     `json:"action_description"`
	Status         string     `json:"status"`
	ThreadID       string     `json:"thread_id"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// DatasetItem is one few-shot example for classification or generation.
type DatasetItem struct {
	ID               int64  `json:"id"`
	UserInput        string `json:"user_input"`
	ExpectedIntent   string `json:"expected_intent,omitempty"`
	ExpectedResponse string `json:"expected_response,omitempty"`
	Category         string `json:"category,omitempty"`
	Quality          string `json:"quality"`
	Source           string `json:"source,omitempty"`
	Channel          string `json:"channel,omitempty"`
	IsActive         bool   `json:"is_active"`
}

// Store is the relational persistence layer shared by pipeline nodes and the
// HTTP API. The caller owns the *sql.DB.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over db and ensures the schema exists.
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("chat store: db is required")
	}
	if _, err := db.Exec(storeDDL); err != nil {
		return nil, fmt.Errorf("chat store: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// FindOrCreateConversation returns the user's conversation, creating one on
// first contact. One conversation per user regardless of channel; the stored
// channel records first contact only.
func (s *Store) FindOrCreateConversation(ctx context.Context, userID, channel string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE user_identifier = ? ORDER BY id LIMIT 1`,
		userID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("chat store: find conversation: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_identifier, channel, created_at) VALUES (?, ?, ?)`,
		userID, channel, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("chat store: create conversation: %w", err)
	}
	return res.LastInsertId()
}

// FindConversation returns the conversation for a user on a channel, or 0.
func (s *Store) FindConversation(ctx context.Context, userID, channel string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE user_identifier = ? AND channel = ? LIMIT 1`,
		userID, channel).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("chat store: find conversation: %w", err)
	}
	return id, nil
}

// SaveMessage appends one message to a conversation.
func (s *Store) SaveMessage(ctx context.Context, conversationID int64, sender, channel, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, content, sender, channel, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		conversationID, content, sender, channel, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("chat store: save message: %w", err)
	}
	return nil
}

// RecentMessages returns the last limit messages of a conversation in
// chronological order.
func (s *Store) RecentMessages(ctx context.Context, conversationID int64, limit int) ([]StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, content, sender, COALESCE(channel, ''), timestamp
		 FROM (
			SELECT * FROM messages WHERE conversation_id = ?
			ORDER BY timestamp DESC, id DESC LIMIT ?
		 ) ORDER BY timestamp ASC, id ASC`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("chat store: recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Messages returns a conversation's full history in chronological order.
func (s *Store) Messages(ctx context.Context, conversationID int64) ([]StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, content, sender, COALESCE(channel, ''), timestamp
		 FROM messages WHERE conversation_id = ?
		 ORDER BY timestamp ASC, id ASC`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("chat store: messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]StoredMessage, error) {
	var msgs []StoredMessage
	for rows.Next() {
		var m StoredMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Content, &m.Sender, &m.Channel, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("chat store: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// LoadProfile returns the user's profile, or nil when none exists.
func (s *Store) LoadProfile(ctx context.Context, userID string) (*UserProfile, error) {
	var p UserProfile
	var name, email, phone, channel sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_identifier, channel, name, email, phone, is_first_contact, created_at, updated_at
		 FROM user_profiles WHERE user_identifier = ?`,
		userID).Scan(&p.ID, &p.UserID, &channel, &name, &email, &phone, &p.IsFirstContact, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chat store: load profile: %w", err)
	}
	p.Channel = channel.String
	p.Name = name.String
	p.Email = email.String
	p.Phone = phone.String
	return &p, nil
}

// CreateProfile inserts a first-contact profile for a new user.
func (s *Store) CreateProfile(ctx context.Context, userID, channel string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_profiles (user_identifier, channel, is_first_contact, created_at, updated_at)
		 VALUES (?, ?, 1, ?, ?)`,
		userID, channel, now, now)
	if err != nil {
		return fmt.Errorf("chat store: create profile: %w", err)
	}
	return nil
}

// ClearFirstContact marks the user as a returning one.
func (s *Store) ClearFirstContact(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_profiles SET is_first_contact = 0, updated_at = ? WHERE user_identifier = ?`,
		time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("chat store: clear first contact: %w", err)
	}
	return nil
}

// SetProfileName stores the user's name on their profile.
func (s *Store) SetProfileName(ctx context.Context, userID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_profiles SET name = ?, updated_at = ? WHERE user_identifier = ?`,
		name, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("chat store: set profile name: %w", err)
	}
	return nil
}

// LatestUserContext returns the user's most recently updated context across
// channels, or nil.
func (s *Store) LatestUserContext(ctx context.Context, userID string) (*UserContext, error) {
	var c UserContext
	var summary sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT user_identifier, channel, context_summary, last_updated, conversation_count
		 FROM user_contexts WHERE user_identifier = ?
		 ORDER BY last_updated DESC LIMIT 1`,
		userID).Scan(&c.UserID, &c.Channel, &summary, &c.LastUpdated, &c.ConversationCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chat store: latest context: %w", err)
	}
	c.Summary = summary.String
	return &c, nil
}

// UpsertUserContext replaces the user's summary for a channel and bumps the
// conversation count.
func (s *Store) UpsertUserContext(ctx context.Context, userID, channel, summary string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_contexts (user_identifier, channel, context_summary, last_updated, conversation_count)
		 VALUES (?, ?, ?, ?, 1)
		 ON CONFLICT (user_identifier, channel) DO UPDATE SET
			context_summary = excluded.context_summary,
			last_updated = excluded.last_updated,
			conversation_count = conversation_count + 1`,
		userID, channel, summary, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("chat store: upsert context: %w", err)
	}
	return nil
}

// CreatePendingAction records an action awaiting approval and returns its ID.
func (s *Store) CreatePendingAction(ctx context.Context, conversationID int64, actionType, details, description, threadID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_actions
		 (conversation_id, action_type, action_details, action_description, status, thread_id, created_at)
		 VALUES (?, ?, ?, ?, 'pending', ?, ?)`,
		conversationID, actionType, details, description, threadID, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("chat store: create pending action: %w", err)
	}
	return res.LastInsertId()
}

// PendingActionByID returns one pending action.
func (s *Store) PendingActionByID(ctx context.Context, id int64) (*PendingAction, error) {
	var a PendingAction
	var details, description sql.NullString
	var resolvedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, action_type, action_details, action_description,
			status, thread_id, created_at, resolved_at
		 FROM pending_actions WHERE id = ?`,
		id).Scan(&a.ID, &a.ConversationID, &a.ActionType, &details, &description,
		&a.Status, &a.ThreadID, &a.CreatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrActionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chat store: pending action: %w", err)
	}
	a.Details = details.String
	a.Description = description.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	return &a, nil
}

// ResolvePendingAction marks an action approved or rejected. Resolving an
// already-decided action fails.
func (s *Store) ResolvePendingAction(ctx context.Context, id int64, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_actions SET status = ?, resolved_at = ?
		 WHERE id = ? AND status = 'pending'`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("chat store: resolve pending action: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("chat store: resolve pending action: %w", err)
	}
	if affected == 0 {
		if _, lookupErr := s.PendingActionByID(ctx, id); lookupErr != nil {
			return lookupErr
		}
		return ErrActionResolved
	}
	return nil
}

// PendingActionsForUser lists the user's unresolved actions, newest first.
func (s *Store) PendingActionsForUser(ctx context.Context, userID string) ([]PendingAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pa.id, pa.conversation_id, pa.action_type, pa.action_details,
			pa.action_description, pa.status, pa.thread_id, pa.created_at, pa.resolved_at
		 FROM pending_actions pa
		 JOIN conversations c ON c.id = pa.conversation_id
		 WHERE c.user_identifier = ? AND pa.status = 'pending'
		 ORDER BY pa.created_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("chat store: pending actions: %w", err)
	}
	defer rows.Close()

	var actions []PendingAction
	for rows.Next() {
		var a PendingAction
		var details, description sql.NullString
		var resolvedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.ConversationID, &a.ActionType, &details, &description,
			&a.Status, &a.ThreadID, &a.CreatedAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("chat store: scan pending action: %w", err)
		}
		a.Details = details.String
		a.Description = description.String
		if resolvedAt.Valid {
			t := resolvedAt.Time
			a.ResolvedAt = &t
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// FewShotExamples returns active gold-quality dataset items, optionally
// filtered by category, newest first.
func (s *Store) FewShotExamples(ctx context.Context, category string, limit int) ([]DatasetItem, error) {
	query := `SELECT id, user_input, COALESCE(expected_intent, ''), COALESCE(expected_response, ''),
		COALESCE(category, ''), quality, COALESCE(source, ''), COALESCE(channel, ''), is_active
		FROM dataset_items WHERE quality = 'gold' AND is_active = 1`
	args := []any{}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("chat store: few-shot examples: %w", err)
	}
	defer rows.Close()

	var items []DatasetItem
	for rows.Next() {
		var it DatasetItem
		if err := rows.Scan(&it.ID, &it.UserInput, &it.ExpectedIntent, &it.ExpectedResponse,
			&it.Category, &it.Quality, &it.Source, &it.Channel, &it.IsActive); err != nil {
			return nil, fmt.Errorf("chat store: scan dataset item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// InsertDatasetItem adds one few-shot example.
func (s *Store) InsertDatasetItem(ctx context.Context, item DatasetItem) error {
	quality := item.Quality
	if quality == "" {
		quality = "silver"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dataset_items
		 (user_input, expected_intent, expected_response, category, quality, source, channel, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		item.UserInput, item.ExpectedIntent, item.ExpectedResponse, item.Category,
		quality, item.Source, item.Channel, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("chat store: insert dataset item: %w", err)
	}
	return nil
}

// DeleteUserData removes every record belonging to a user. Used by the
// cleanup command.
func (s *Store) DeleteUserData(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("chat store: begin: %w", err)
	}
	defer tx.Rollback()
	statements := []string{
		`DELETE FROM pending_actions WHERE conversation_id IN
			(SELECT id FROM conversations WHERE user_identifier = ?)`,
		`DELETE FROM messages WHERE conversation_id IN
			(SELECT id FROM conversations WHERE user_identifier = ?)`,
		`DELETE FROM conversations WHERE user_identifier = ?`,
		`DELETE FROM user_contexts WHERE user_identifier = ?`,
		`DELETE FROM user_profiles WHERE user_identifier = ?`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt, userID); err != nil {
			return fmt.Errorf("chat store: delete user data: %w", err)
		}
	}
	return tx.Commit()
}
