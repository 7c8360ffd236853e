package repository

import (
	"context"
	"time"

	"apex-test-suite/backend/internal/run/domain"
)

// Repository defines persistence for test runs and their finalized children.
type Repository interface {
	Create(ctx context.Context, run *domain.Run) error
	FindByID(ctx context.Context, id int64) (*domain.Run, error)
	MarkTerminal(ctx context.Context, id int64, status domain.Status, completedAt time.Time) error
	FinalizeCompleted(ctx context.Context, run *domain.Run, results []domain.Result, coverage []domain.CoverageSnapshot) error
	List(ctx context.Context, page, size int) ([]*domain.Run, int64, error)
	ResultsByRun(ctx context.Context, runID int64) ([]domain.Result, error)
	CoverageByRun(ctx context.Context, runID int64) ([]domain.CoverageSnapshot, error)
	PassRateTrend(ctx context.Context, orgID string, days int) ([]PassRatePoint, error)
	CoverageTrend(ctx context.Context, orgID string, days int) ([]CoveragePoint, error)
}
