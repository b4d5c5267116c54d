package chatsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// ============================================================================
// SQLiteStore
// ============================================================================

// SQLiteStore is a Backend persisted in a SQLite database file.
type SQLiteStore struct {
	db   *sql.DB
	opts options
	hub  *createdHub

	mu   sync.Mutex // serializes writes with their created notifications
	last int64
}

// OpenSQLiteStore opens or creates the database at path.
func OpenSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, opts: newOptions(opts), hub: newCreatedHub()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	if err := db.QueryRow(`SELECT COALESCE(MAX(ts), 0) FROM messages`).Scan(&s.last); err != nil {
		db.Close()
		return nil, fmt.Errorf("read last timestamp: %w", err)
	}
	s.opts.log.Info("sqlite_opened", zap.String("path", path))
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id           TEXT PRIMARY KEY,
		kind         TEXT NOT NULL,
		participants TEXT NOT NULL,
		mirror_id    TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		sender_id       TEXT NOT NULL,
		text            TEXT NOT NULL,
		ts              INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conv_ts ON messages(conversation_id, ts);
	CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ── Messages ─────────────────────────────────────────────

func (s *SQLiteStore) QueryMessages(ctx context.Context, q Query) ([]Message, error) {
	var (
		where = []string{"conversation_id = ?"}
		args  = []any{q.ConversationID}
	)
	if q.SenderID != "" {
		where = append(where, "sender_id = ?")
		args = append(args, q.SenderID)
	}
	if q.Before > 0 {
		where = append(where, "ts < ?")
		args = append(args, q.Before)
	}
	args = append(args, pageLimit(q.Limit))

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, sender_id, text, ts FROM messages
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY ts DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (s *SQLiteStore) WriteMessage(ctx context.Context, nm NewMessage) (WriteAck, error) {
	if err := validateNewMessage(nm); err != nil {
		return WriteAck{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.opts.now().UnixMilli()
	if ts < s.last {
		ts = s.last
	}
	m := Message{
		ID:             uuid.NewString(),
		ConversationID: nm.ConversationID,
		SenderID:       nm.SenderID,
		Text:           nm.Text,
		Timestamp:      ts,
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, text, ts) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.Text, m.Timestamp,
	); err != nil {
		return WriteAck{}, err
	}
	s.last = ts
	s.hub.publish([]Message{m})
	return WriteAck{ID: m.ID, Timestamp: m.Timestamp}, nil
}

func (s *SQLiteStore) UpdateMessageText(ctx context.Context, id, text string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET text = ? WHERE id = ?`, text, id)
	if err != nil {
		return err
	}
	return affected(res, id)
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return affected(res, id)
}

// SubscribeCreated replays stored messages newer than since, then follows
// new writes.
func (s *SQLiteStore) SubscribeCreated(ctx context.Context, since int64) (CreatedStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, sender_id, text, ts FROM messages
		 WHERE ts > ? ORDER BY ts ASC, id ASC`, since)
	if err != nil {
		return nil, err
	}
	replay, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	return s.hub.subscribe(ctx, since, replay)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &m.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func affected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	return nil
}

// ── Conversations ────────────────────────────────────────

func (s *SQLiteStore) CreateConversation(ctx context.Context, c Conversation) error {
	c, err := normalizeConversation(c)
	if err != nil {
		return err
	}
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, kind, participants, mirror_id) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET kind = excluded.kind,
		   participants = excluded.participants, mirror_id = excluded.mirror_id`,
		c.ID, string(c.Kind), string(participants), c.MirrorID)
	return err
}

func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, participants, mirror_id FROM conversations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []Conversation
	for rows.Next() {
		var (
			c            Conversation
			kind, people string
		)
		if err := rows.Scan(&c.ID, &kind, &people, &c.MirrorID); err != nil {
			return nil, err
		}
		c.Kind = ConversationKind(kind)
		if err := json.Unmarshal([]byte(people), &c.Participants); err != nil {
			return nil, fmt.Errorf("conversation %s: bad participants: %w", c.ID, err)
		}
		all = append(all, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return viewsFor(all, userID), nil
}

// Close ends live subscriptions and closes the database.
func (s *SQLiteStore) Close() error {
	s.hub.close()
	err := s.db.Close()
	if errors.Is(err, sql.ErrConnDone) {
		return nil
	}
	return err
}
