package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lexiqai/listen-gateway/internal/conversation"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS listen_drafts (
	id          TEXT PRIMARY KEY,
	uid         TEXT NOT NULL,
	status      TEXT NOT NULL,
	language    TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	segments    JSONB NOT NULL DEFAULT '[]',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
);
CREATE INDEX IF NOT EXISTS listen_drafts_uid_created ON listen_drafts (uid, created_at DESC);
`

// Postgres stores drafts in PostgreSQL.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres wraps an existing pool. The schema must already exist.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects to url and applies the schema.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	db, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return NewPostgres(db), nil
}

func (s *Postgres) SaveDraft(ctx context.Context, d *conversation.Draft) error {
	segs, err := encodeSegments(d.Segments)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO listen_drafts (id, uid, status, language, started_at, finished_at, segments)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			language = EXCLUDED.language,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at,
			segments = EXCLUDED.segments,
			updated_at = clock_timestamp()
	`, d.ID, d.UID, string(d.Status), d.Language, d.StartedAt, d.FinishedAt, segs)
	if err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

func (s *Postgres) LoadDraft(ctx context.Context, uid string) (*conversation.Draft, error) {
	var (
		d      conversation.Draft
		status string
		segs   []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, uid, status, language, started_at, finished_at, segments
		FROM listen_drafts
		WHERE uid = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, uid).Scan(&d.ID, &d.UID, &status, &d.Language, &d.StartedAt, &d.FinishedAt, &segs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, conversation.ErrNoDraft
	}
	if err != nil {
		return nil, fmt.Errorf("load draft: %w", err)
	}

	d.Status = conversation.Status(status)
	if d.Segments, err = decodeSegments(segs); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Postgres) SetStatus(ctx context.Context, uid, draftID string, status conversation.Status) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE listen_drafts SET status = $1, updated_at = clock_timestamp() WHERE id = $2 AND uid = $3`,
		string(status), draftID, uid)
	if err != nil {
		return fmt.Errorf("set draft status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return conversation.ErrNoDraft
	}
	return nil
}

func (s *Postgres) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *Postgres) Close() error {
	s.db.Close()
	return nil
}
