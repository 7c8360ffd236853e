package repository

import (
	"context"
	"time"

	"apex-test-suite/backend/internal/session/domain"
)

// Repository defines persistence for the Salesforce session. At most one
// session row exists at a time; ReplaceAll swaps it atomically.
type Repository interface {
	FindMostRecent(ctx context.Context) (*domain.Session, error)
	ReplaceAll(ctx context.Context, s *domain.Session) error
	DeleteAll(ctx context.Context) error
	UpdateLastActivity(ctx context.Context, at time.Time) error
}
