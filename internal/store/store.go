// Package store persists conversation drafts so a reconnecting session can
// resume or finalize an orphaned one.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lexiqai/listen-gateway/internal/conversation"
	"github.com/lexiqai/listen-gateway/internal/transcript"
)

// DraftStore is a conversation.Store backed by a database.
type DraftStore interface {
	conversation.Store
	Ping(ctx context.Context) error
	Close() error
}

// Open connects the configured driver and applies the schema.
func Open(ctx context.Context, driver, url string) (DraftStore, error) {
	switch driver {
	case "sqlite":
		return OpenSQLite(ctx, url)
	case "postgres":
		return OpenPostgres(ctx, url)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}

func encodeSegments(segs []transcript.Segment) ([]byte, error) {
	if segs == nil {
		segs = []transcript.Segment{}
	}
	b, err := json.Marshal(segs)
	if err != nil {
		return nil, fmt.Errorf("encode segments: %w", err)
	}
	return b, nil
}

func decodeSegments(b []byte) ([]transcript.Segment, error) {
	var segs []transcript.Segment
	if len(b) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(b, &segs); err != nil {
		return nil, fmt.Errorf("decode segments: %w", err)
	}
	return segs, nil
}
