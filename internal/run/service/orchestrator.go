// Package service drives asynchronous test runs: submission, background status
// polling, and finalization into durable storage.
package service

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"apex-test-suite/backend/internal/progress"
	"apex-test-suite/backend/internal/run/domain"
	"apex-test-suite/backend/internal/salesforce"
)

// queue item status labels reported by the remote test queue.
const (
	queueStatusCompleted = "Completed"
	queueStatusFailed    = "Failed"
)

// JobClient is the remote test-execution surface needed by the Orchestrator.
type JobClient interface {
	RunTestsAsync(ctx context.Context, classIDs []string) (string, error)
	TestQueueStatus(ctx context.Context, jobID string) ([]salesforce.QueueItem, error)
	TestResults(ctx context.Context, jobID string) ([]salesforce.TestResult, error)
	CodeCoverage(ctx context.Context, jobID string) ([]salesforce.CoverageEntry, error)
}

// IdentitySource supplies the connected org's identity for run records.
type IdentitySource interface {
	Identity(ctx context.Context) (*salesforce.UserInfo, error)
}

// RunStore is the minimal run repository needed by the Orchestrator.
type RunStore interface {
	Create(ctx context.Context, run *domain.Run) error
	FindByID(ctx context.Context, id int64) (*domain.Run, error)
	MarkTerminal(ctx context.Context, id int64, status domain.Status, completedAt time.Time) error
	FinalizeCompleted(ctx context.Context, run *domain.Run, results []domain.Result, coverage []domain.CoverageSnapshot) error
}

// StartedRun identifies a freshly submitted run.
type StartedRun struct {
	TestRunID string `json:"testRunId"`
	RunID     int64  `json:"dbRunId"`
}

// Orchestrator starts test runs and drives one background poller per active run.
// All durable writes for a run come from that run's own poller, so there is no
// cross-run write contention.
type Orchestrator struct {
	jobs         JobClient
	identity     IdentitySource
	runs         RunStore
	publisher    progress.Publisher
	pollInterval time.Duration
	maxAttempts  int

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
}

// NewOrchestrator returns an Orchestrator polling every pollInterval for at most
// maxAttempts ticks per run.
func NewOrchestrator(jobs JobClient, identity IdentitySource, runs RunStore, publisher progress.Publisher, pollInterval time.Duration, maxAttempts int) *Orchestrator {
	baseCtx, cancelAll := context.WithCancel(context.Background())
	return &Orchestrator{
		jobs:         jobs,
		identity:     identity,
		runs:         runs,
		publisher:    publisher,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
		baseCtx:      baseCtx,
		cancelAll:    cancelAll,
		cancels:      make(map[int64]context.CancelFunc),
	}
}

// StartRun submits the classes for asynchronous execution, persists a Queued run,
// and schedules its background poller. It returns both identifiers immediately
// without waiting for any poll tick.
func (o *Orchestrator) StartRun(ctx context.Context, classIDs []string) (*StartedRun, error) {
	jobID, err := o.jobs.RunTestsAsync(ctx, classIDs)
	if err != nil {
		return nil, err
	}
	log.Printf("orchestrator: started async test run %s", jobID)

	run := &domain.Run{
		AsyncApexJobID: jobID,
		OrgID:          o.orgID(ctx),
		Status:         domain.StatusQueued,
		StartedAt:      time.Now().UTC(),
	}
	if err := o.runs.Create(ctx, run); err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithCancel(o.baseCtx)
	o.mu.Lock()
	o.cancels[run.ID] = cancel
	o.mu.Unlock()
	o.wg.Add(1)
	go o.poll(pollCtx, jobID, run.ID)

	return &StartedRun{TestRunID: jobID, RunID: run.ID}, nil
}

// Abort cooperatively cancels the run's poller, which marks the run Aborted.
// Returns false when no poller for the id is active.
func (o *Orchestrator) Abort(runID int64) bool {
	o.mu.Lock()
	cancel, ok := o.cancels[runID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Shutdown cancels every active poller and waits for them to finish their
// terminal bookkeeping, or until ctx expires.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancelAll()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// poll is the background loop for one run: sleep an interval, query the remote
// queue, publish a progress event, and exit into exactly one terminal state.
func (o *Orchestrator) poll(ctx context.Context, jobID string, runID int64) {
	defer o.wg.Done()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, runID)
		o.mu.Unlock()
	}()

	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			log.Printf("orchestrator: polling interrupted for test run %s", jobID)
			o.markTerminal(runID, domain.StatusAborted)
			return
		case <-time.After(o.pollInterval):
		}

		items, err := o.jobs.TestQueueStatus(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				log.Printf("orchestrator: polling interrupted for test run %s", jobID)
				o.markTerminal(runID, domain.StatusAborted)
			} else {
				log.Printf("orchestrator: error polling test run %s: %v", jobID, err)
				o.markTerminal(runID, domain.StatusFailed)
			}
			return
		}
		// An empty answer still consumes an attempt, so a wedged remote queue
		// cannot keep a poller alive past the budget.
		if len(items) == 0 {
			continue
		}

		total := len(items)
		completed, passed, failed := 0, 0, 0
		allDone := true
		for _, item := range items {
			switch item.Status {
			case queueStatusCompleted:
				completed++
				passed++
			case queueStatusFailed:
				completed++
				failed++
			default:
				allDone = false
			}
		}

		// The all-done tick publishes no event of its own; finalization emits
		// the single terminal 100 percent event for the run.
		if allDone {
			o.finalize(ctx, jobID, runID)
			return
		}
		o.publish(ctx, &progress.Event{
			TestRunID:       jobID,
			RunID:           runID,
			Status:          string(domain.StatusProcessing),
			TotalTests:      total,
			CompletedTests:  completed,
			PassCount:       passed,
			FailCount:       failed,
			PercentComplete: round2(float64(completed) * 100.0 / float64(total)),
		})
	}

	log.Printf("orchestrator: test run %s timed out after %d polls", jobID, o.maxAttempts)
	o.markTerminal(runID, domain.StatusFailed)
}

// finalize runs exactly once per completed run: it fetches full results and
// coverage, persists the Completed run with its children in one transaction, and
// publishes the terminal 100 percent event.
func (o *Orchestrator) finalize(ctx context.Context, jobID string, runID int64) {
	results, err := o.jobs.TestResults(ctx, jobID)
	if err != nil {
		log.Printf("orchestrator: error fetching results for test run %s: %v", jobID, err)
		o.markTerminal(runID, domain.StatusFailed)
		return
	}
	coverage, err := o.jobs.CodeCoverage(ctx, jobID)
	if err != nil {
		log.Printf("orchestrator: error fetching coverage for test run %s: %v", jobID, err)
		o.markTerminal(runID, domain.StatusFailed)
		return
	}

	passCount, failCount := 0, 0
	runResults := make([]domain.Result, 0, len(results))
	for _, res := range results {
		switch res.Outcome {
		case "Pass":
			passCount++
		case "Fail":
			failCount++
		}
		runResults = append(runResults, domain.Result{
			RunID:      runID,
			ClassName:  res.ClassName,
			MethodName: res.MethodName,
			Outcome:    domain.MapOutcome(res.Outcome),
			Message:    res.Message,
			StackTrace: res.StackTrace,
			RunTimeMs:  res.RunTimeMs,
		})
	}
	runCoverage := make([]domain.CoverageSnapshot, 0, len(coverage))
	for _, cov := range coverage {
		runCoverage = append(runCoverage, domain.CoverageSnapshot{
			RunID:           runID,
			ClassName:       cov.ClassName,
			LinesCovered:    cov.LinesCovered,
			LinesUncovered:  cov.LinesUncovered,
			CoveragePercent: cov.CoveragePercent,
		})
	}

	now := time.Now().UTC()
	run := &domain.Run{
		ID:          runID,
		Status:      domain.StatusCompleted,
		TotalTests:  len(results),
		PassCount:   passCount,
		FailCount:   failCount,
		CompletedAt: &now,
	}
	if err := o.runs.FinalizeCompleted(ctx, run, runResults, runCoverage); err != nil {
		log.Printf("orchestrator: error finalizing test run %s: %v", jobID, err)
		o.markTerminal(runID, domain.StatusFailed)
		return
	}

	o.publish(ctx, &progress.Event{
		TestRunID:       jobID,
		RunID:           runID,
		Status:          string(domain.StatusCompleted),
		TotalTests:      len(results),
		CompletedTests:  len(results),
		PassCount:       passCount,
		FailCount:       failCount,
		PercentComplete: 100.0,
	})
	log.Printf("orchestrator: test run %s completed: %d passed, %d failed", jobID, passCount, failCount)
}

// markTerminal writes the terminal status with a fresh context, since the
// poller's own context may already be cancelled.
func (o *Orchestrator) markTerminal(runID int64, status domain.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.runs.MarkTerminal(ctx, runID, status, time.Now().UTC()); err != nil {
		log.Printf("orchestrator: could not mark run %d %s: %v", runID, status, err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, ev *progress.Event) {
	ev.EventID = uuid.New().String()
	ev.CreatedAt = time.Now().UTC()
	if err := o.publisher.Publish(ctx, progress.TopicTestProgress, ev); err != nil {
		log.Printf("orchestrator: progress publish failed: %v", err)
	}
}

// orgID resolves the connected org for the run record; "unknown" when the
// identity lookup fails.
func (o *Orchestrator) orgID(ctx context.Context) string {
	info, err := o.identity.Identity(ctx)
	if err != nil || info == nil || info.OrganizationID == "" {
		return "unknown"
	}
	return info.OrganizationID
}

func round2(v float64) float64 {
	return math.Round(v*100.0) / 100.0
}
