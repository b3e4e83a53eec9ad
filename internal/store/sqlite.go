package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lexiqai/listen-gateway/internal/conversation"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS drafts (
	id          TEXT PRIMARY KEY,
	uid         TEXT NOT NULL,
	status      TEXT NOT NULL,
	language    TEXT NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	segments    TEXT NOT NULL DEFAULT '[]',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS drafts_uid_created ON drafts (uid, created_at DESC);
`

// SQLite stores drafts in a local SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens dsn (a path, file: URI or ":memory:") and applies the
// schema.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A second connection to ":memory:" would see an empty database.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) SaveDraft(ctx context.Context, d *conversation.Draft) error {
	segs, err := encodeSegments(d.Segments)
	if err != nil {
		return err
	}
	now := time.Now().UnixNano()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO drafts (id, uid, status, language, started_at, finished_at, segments, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			language = excluded.language,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at,
			segments = excluded.segments,
			updated_at = excluded.updated_at
	`, d.ID, d.UID, string(d.Status), d.Language, d.StartedAt.UnixNano(), d.FinishedAt.UnixNano(), string(segs), now, now)
	if err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

func (s *SQLite) LoadDraft(ctx context.Context, uid string) (*conversation.Draft, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, uid, status, language, started_at, finished_at, segments
		FROM drafts
		WHERE uid = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, uid)

	var (
		d                   conversation.Draft
		status              string
		startedAt, finished int64
		segs                string
	)
	err := row.Scan(&d.ID, &d.UID, &status, &d.Language, &startedAt, &finished, &segs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, conversation.ErrNoDraft
	}
	if err != nil {
		return nil, fmt.Errorf("load draft: %w", err)
	}

	d.Status = conversation.Status(status)
	d.StartedAt = time.Unix(0, startedAt).UTC()
	d.FinishedAt = time.Unix(0, finished).UTC()
	if d.Segments, err = decodeSegments([]byte(segs)); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *SQLite) SetStatus(ctx context.Context, uid, draftID string, status conversation.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE drafts SET status = ?, updated_at = ? WHERE id = ? AND uid = ?`,
		string(status), time.Now().UnixNano(), draftID, uid)
	if err != nil {
		return fmt.Errorf("set draft status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return conversation.ErrNoDraft
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) Close() error { return s.db.Close() }
