// Package store persists conversation sessions and answers document
// similarity searches. The live engine treats both as external
// collaborators behind narrow interfaces; implementations here are the
// in-memory store used by tests and local development, and the Postgres
// store used in production.
package store

import (
	"context"
	"errors"

	"github.com/medchat-go/consult/pkg/engine/types"
)

var ErrNotFound = errors.New("session not found")

// SessionStore is the durable record of a conversation. The engine only
// reads sessions, appends messages, and moves status; creation and expiry
// belong to other parts of the system.
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (*types.Session, error)
	AppendMessage(ctx context.Context, sessionID string, msg types.Message) error
	SetStatus(ctx context.Context, sessionID string, status types.SessionStatus) error
}

// DocumentSearcher returns the caller's most similar stored documents for a
// query embedding, best first. An empty result is not an error.
type DocumentSearcher interface {
	Search(ctx context.Context, userID string, embedding []float32, topK int) ([]types.ScoredDocument, error)
}
