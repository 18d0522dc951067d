package store

import (
	"context"

	"github.com/shreyajaiswal24/ai-compliance-orchestrator/internal/session"
)

// Repository is the durable store for session state. Save is called after
// every task completion and state transition, so a process restart can
// resume a session from its last checkpoint without re-running completed
// tasks.
type Repository interface {
	Load(ctx context.Context, sessionID string) (*session.Session, error)
	Save(ctx context.Context, s *session.Session) error
	Delete(ctx context.Context, sessionID string) error
}
