package store

import (
	"context"

	"github.com/lexiqai/listen-gateway/internal/conversation"
)

type finalizerFunc func(ctx context.Context, uid, language string, d *conversation.Draft) (*conversation.Conversation, error)

func (f finalizerFunc) Finalize(ctx context.Context, uid, language string, d *conversation.Draft) (*conversation.Conversation, error) {
	return f(ctx, uid, language, d)
}
