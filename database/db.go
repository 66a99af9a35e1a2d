// Package database stores job conversations in SQLite. The client uses it as
// its local message cache; the development backend uses it as its message
// and thread repository.
package database

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"jobchat/models"
)

// TimeLayout is the createdAt format assigned to new messages.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Store is a SQLite-backed message store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and its tables.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	// One connection: SQLite serializes writers, and :memory: is per-connection.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create tables")
	}
	log.WithField("path", path).Debug("database initialized")
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	tables := `
	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		dedup_key TEXT NOT NULL,
		id TEXT NOT NULL DEFAULT '',
		thread_id TEXT NOT NULL DEFAULT '',
		sender_id TEXT NOT NULL DEFAULT '',
		sender_role TEXT NOT NULL DEFAULT '',
		sender_name TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL DEFAULT '',
		UNIQUE(job_id, dedup_key)
	);

	CREATE TABLE IF NOT EXISTS threads (
		job_id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_messages_job ON messages(job_id, seq);
	`
	_, err := s.db.Exec(tables)
	return err
}

// Message queries

// SaveMessages upserts msgs into jobID's log, keyed by dedup key. Saving an
// id-bearing message removes the id-less row it supersedes.
func (s *Store) SaveMessages(ctx context.Context, jobID string, msgs []models.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, m := range msgs {
		if m.HasID() {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM messages WHERE job_id = ? AND id = '' AND sender_id = ? AND text = ? AND created_at = ?`,
				jobID, m.SenderID, m.Text, m.CreatedAt,
			); err != nil {
				return err
			}
		}
		if err := insertMessage(ctx, tx, jobID, m); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertMessage(ctx context.Context, tx *sql.Tx, jobID string, m models.ChatMessage) error {
	senderName := ""
	if m.Sender != nil {
		senderName = m.Sender.Name
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO messages (job_id, dedup_key, id, thread_id, sender_id, sender_role, sender_name, text, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, dedup_key) DO UPDATE SET
			thread_id = excluded.thread_id,
			sender_id = excluded.sender_id,
			sender_role = excluded.sender_role,
			sender_name = excluded.sender_name,
			text = excluded.text,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		jobID, m.DedupKey(), strings.TrimSpace(m.ID), m.ThreadID, m.SenderID, m.SenderRole, senderName,
		m.Text, m.CreatedAt, m.UpdatedAt,
	)
	return err
}

// LoadMessages returns jobID's messages in insertion order.
func (s *Store) LoadMessages(ctx context.Context, jobID string) ([]models.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, sender_id, sender_role, sender_name, text, created_at, updated_at
		FROM messages WHERE job_id = ? ORDER BY seq`,
		jobID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.ChatMessage
	for rows.Next() {
		msg := models.ChatMessage{JobID: jobID}
		var senderName string
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &msg.SenderID, &msg.SenderRole, &senderName,
			&msg.Text, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
			return nil, err
		}
		if senderName != "" || msg.SenderID != "" {
			msg.Sender = &models.SenderRef{ID: msg.SenderID, Name: senderName, Role: msg.SenderRole}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// DeleteJob removes jobID's messages.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE job_id = ?", jobID)
	return err
}

// Purge removes every message and thread.
func (s *Store) Purge(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM messages; DELETE FROM threads;")
	return err
}

// Thread queries

// EnsureThread returns jobID's thread id, assigning one on first use.
func (s *Store) EnsureThread(ctx context.Context, jobID string) (string, error) {
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO threads (job_id, thread_id) VALUES (?, ?)",
		jobID, uuid.NewString(),
	); err != nil {
		return "", err
	}
	var threadID string
	err := s.db.QueryRowContext(ctx, "SELECT thread_id FROM threads WHERE job_id = ?", jobID).Scan(&threadID)
	return threadID, err
}

// CreateMessage stores a new message from sender and returns it with its
// server-assigned id, thread and timestamps.
func (s *Store) CreateMessage(ctx context.Context, jobID string, sender models.Participant, text string) (models.ChatMessage, error) {
	threadID, err := s.EnsureThread(ctx, jobID)
	if err != nil {
		return models.ChatMessage{}, errors.Wrap(err, "resolving thread")
	}
	now := time.Now().UTC().Format(TimeLayout)
	msg := models.ChatMessage{
		ID:         uuid.NewString(),
		ThreadID:   threadID,
		JobID:      jobID,
		SenderID:   sender.ID,
		SenderRole: sender.Role,
		Sender:     sender.ToSenderRef(),
		Text:       text,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.SaveMessages(ctx, jobID, []models.ChatMessage{msg}); err != nil {
		return models.ChatMessage{}, errors.Wrap(err, "saving message")
	}
	return msg, nil
}
