package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"apex-test-suite/backend/internal/progress"
	"apex-test-suite/backend/internal/run/domain"
	"apex-test-suite/backend/internal/salesforce"
)

type queueTick struct {
	items []salesforce.QueueItem
	err   error
}

type fakeJobClient struct {
	mu          sync.Mutex
	ticks       []queueTick
	calls       int
	results     []salesforce.TestResult
	resultsErr  error
	coverage    []salesforce.CoverageEntry
	coverageErr error
}

func (f *fakeJobClient) RunTestsAsync(ctx context.Context, classIDs []string) (string, error) {
	return "job-1", nil
}

func (f *fakeJobClient) TestQueueStatus(ctx context.Context, jobID string) ([]salesforce.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tick := queueTick{}
	if len(f.ticks) > 0 {
		if f.calls < len(f.ticks) {
			tick = f.ticks[f.calls]
		} else {
			tick = f.ticks[len(f.ticks)-1]
		}
	}
	f.calls++
	return tick.items, tick.err
}

func (f *fakeJobClient) TestResults(ctx context.Context, jobID string) ([]salesforce.TestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results, f.resultsErr
}

func (f *fakeJobClient) CodeCoverage(ctx context.Context, jobID string) ([]salesforce.CoverageEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.coverage, f.coverageErr
}

type fakeIdentity struct {
	err error
}

func (f *fakeIdentity) Identity(ctx context.Context) (*salesforce.UserInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &salesforce.UserInfo{OrganizationID: "00Dtest"}, nil
}

type memRunStore struct {
	mu       sync.Mutex
	nextID   int64
	runs     map[int64]*domain.Run
	results  map[int64][]domain.Result
	coverage map[int64][]domain.CoverageSnapshot
}

func newMemRunStore() *memRunStore {
	return &memRunStore{
		runs:     make(map[int64]*domain.Run),
		results:  make(map[int64][]domain.Result),
		coverage: make(map[int64][]domain.CoverageSnapshot),
	}
}

func (s *memRunStore) Create(ctx context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	run.ID = s.nextID
	r2 := *run
	s.runs[run.ID] = &r2
	return nil
}

func (s *memRunStore) FindByID(ctx context.Context, id int64) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[id]; ok {
		r2 := *r
		return &r2, nil
	}
	return nil, nil
}

func (s *memRunStore) MarkTerminal(ctx context.Context, id int64, status domain.Status, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[id]; ok {
		r.Status = status
		r.CompletedAt = &completedAt
	}
	return nil
}

func (s *memRunStore) FinalizeCompleted(ctx context.Context, run *domain.Run, results []domain.Result, coverage []domain.CoverageSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[run.ID]; ok {
		r.Status = run.Status
		r.TotalTests = run.TotalTests
		r.PassCount = run.PassCount
		r.FailCount = run.FailCount
		r.CompletedAt = run.CompletedAt
	}
	s.results[run.ID] = append([]domain.Result(nil), results...)
	s.coverage[run.ID] = append([]domain.CoverageSnapshot(nil), coverage...)
	return nil
}

// waitStatus polls the store until the run reaches want or the deadline passes.
func (s *memRunStore) waitStatus(t *testing.T, id int64, want domain.Status) *domain.Run {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		run, _ := s.FindByID(context.Background(), id)
		if run != nil && run.Status == want {
			return run
		}
		time.Sleep(2 * time.Millisecond)
	}
	run, _ := s.FindByID(context.Background(), id)
	if run == nil {
		t.Fatalf("run %d not found waiting for %s", id, want)
	}
	t.Fatalf("run %d status: got %s, want %s", id, run.Status, want)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []progress.Event
	closed bool
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, ev *progress.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *ev)
	return nil
}

func (p *recordingPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *recordingPublisher) snapshot() []progress.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]progress.Event(nil), p.events...)
}

func queueItem(status string) salesforce.QueueItem {
	return salesforce.QueueItem{ID: "q1", Status: status, ApexClassID: "01p000000000001"}
}

func newTestOrchestrator(t *testing.T, jobs *fakeJobClient, maxAttempts int) (*Orchestrator, *memRunStore, *recordingPublisher) {
	t.Helper()
	store := newMemRunStore()
	pub := &recordingPublisher{}
	o := NewOrchestrator(jobs, &fakeIdentity{}, store, pub, 5*time.Millisecond, maxAttempts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	return o, store, pub
}

func TestOrchestrator_StartRunReturnsImmediately(t *testing.T) {
	jobs := &fakeJobClient{}
	store := newMemRunStore()
	pub := &recordingPublisher{}
	o := NewOrchestrator(jobs, &fakeIdentity{}, store, pub, 500*time.Millisecond, 120)

	begin := time.Now()
	started, err := o.StartRun(context.Background(), []string{"01p000000000001"})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > 200*time.Millisecond {
		t.Errorf("StartRun blocked for %s", elapsed)
	}
	if started.TestRunID != "job-1" || started.RunID == 0 {
		t.Errorf("StartRun ids: got %+v", started)
	}

	run, _ := store.FindByID(context.Background(), started.RunID)
	if run == nil || run.Status != domain.StatusQueued {
		t.Fatalf("run should be persisted Queued, got %+v", run)
	}
	if run.OrgID != "00Dtest" {
		t.Errorf("OrgID: got %q", run.OrgID)
	}

	// Shutdown interrupts the poller mid-sleep; the run ends Aborted.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	store.waitStatus(t, started.RunID, domain.StatusAborted)
}

func TestOrchestrator_RunCompletes(t *testing.T) {
	jobs := &fakeJobClient{
		ticks: []queueTick{
			{items: []salesforce.QueueItem{queueItem("Completed"), queueItem("Processing")}},
			{items: []salesforce.QueueItem{queueItem("Completed"), queueItem("Failed")}},
		},
		results: []salesforce.TestResult{
			{ClassName: "AccountTest", MethodName: "testCreate", Outcome: "Pass", RunTimeMs: 12},
			{ClassName: "AccountTest", MethodName: "testDelete", Outcome: "Fail", Message: "assertion failed", RunTimeMs: 30},
		},
		coverage: []salesforce.CoverageEntry{
			{ClassName: "Account", LinesCovered: 80, LinesUncovered: 20, CoveragePercent: 80},
		},
	}
	o, store, pub := newTestOrchestrator(t, jobs, 120)

	started, err := o.StartRun(context.Background(), []string{"01p000000000001"})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	run := store.waitStatus(t, started.RunID, domain.StatusCompleted)
	if run.TotalTests != 2 || run.PassCount != 1 || run.FailCount != 1 {
		t.Errorf("counts: total=%d pass=%d fail=%d", run.TotalTests, run.PassCount, run.FailCount)
	}
	if run.CompletedAt == nil {
		t.Error("CompletedAt should be set")
	}

	store.mu.Lock()
	results := store.results[started.RunID]
	coverage := store.coverage[started.RunID]
	store.mu.Unlock()
	if len(results) != 2 {
		t.Fatalf("stored results: got %d, want 2", len(results))
	}
	if results[0].Outcome != domain.OutcomePass || results[1].Outcome != domain.OutcomeFail {
		t.Errorf("outcomes: got %s, %s", results[0].Outcome, results[1].Outcome)
	}
	if len(coverage) != 1 || coverage[0].CoveragePercent != 80 {
		t.Errorf("stored coverage: got %+v", coverage)
	}

	events := pub.snapshot()
	if len(events) != 2 {
		t.Fatalf("events: got %d, want 2 (one tick, one terminal)", len(events))
	}
	first, last := events[0], events[1]
	if first.Status != string(domain.StatusProcessing) || first.PercentComplete != 50.0 {
		t.Errorf("first event: status=%s percent=%v", first.Status, first.PercentComplete)
	}
	if last.Status != string(domain.StatusCompleted) || last.PercentComplete != 100.0 {
		t.Errorf("terminal event: status=%s percent=%v", last.Status, last.PercentComplete)
	}
	terminalCount := 0
	prev := -1.0
	for _, ev := range events {
		if ev.PercentComplete < prev {
			t.Errorf("percent went backwards: %v after %v", ev.PercentComplete, prev)
		}
		prev = ev.PercentComplete
		if ev.PercentComplete == 100.0 {
			terminalCount++
		}
		if ev.EventID == "" || ev.CreatedAt.IsZero() {
			t.Errorf("event missing id or timestamp: %+v", ev)
		}
		if ev.TestRunID != "job-1" || ev.RunID != started.RunID {
			t.Errorf("event ids: %+v", ev)
		}
	}
	if terminalCount != 1 {
		t.Errorf("terminal 100 percent events: got %d, want exactly 1", terminalCount)
	}
}

func TestOrchestrator_EmptyTicksConsumeBudget(t *testing.T) {
	jobs := &fakeJobClient{} // every tick returns no items
	o, store, pub := newTestOrchestrator(t, jobs, 3)

	started, err := o.StartRun(context.Background(), []string{"01p000000000001"})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	store.waitStatus(t, started.RunID, domain.StatusFailed)

	jobs.mu.Lock()
	calls := jobs.calls
	jobs.mu.Unlock()
	if calls != 3 {
		t.Errorf("queue polls: got %d, want 3", calls)
	}
	if events := pub.snapshot(); len(events) != 0 {
		t.Errorf("empty ticks should publish nothing, got %d events", len(events))
	}
}

func TestOrchestrator_TimeoutMarksFailed(t *testing.T) {
	jobs := &fakeJobClient{
		ticks: []queueTick{{items: []salesforce.QueueItem{queueItem("Processing")}}},
	}
	o, store, pub := newTestOrchestrator(t, jobs, 2)

	started, err := o.StartRun(context.Background(), []string{"01p000000000001"})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	run := store.waitStatus(t, started.RunID, domain.StatusFailed)
	if run.CompletedAt == nil {
		t.Error("CompletedAt should be set on timeout")
	}
	for _, ev := range pub.snapshot() {
		if ev.Status != string(domain.StatusProcessing) {
			t.Errorf("tick event status: got %s", ev.Status)
		}
		if ev.PercentComplete != 0.0 {
			t.Errorf("no test done, percent should be 0, got %v", ev.PercentComplete)
		}
	}
}

func TestOrchestrator_AbortDuringSleep(t *testing.T) {
	jobs := &fakeJobClient{
		ticks: []queueTick{{items: []salesforce.QueueItem{queueItem("Processing")}}},
	}
	store := newMemRunStore()
	pub := &recordingPublisher{}
	o := NewOrchestrator(jobs, &fakeIdentity{}, store, pub, 200*time.Millisecond, 120)

	started, err := o.StartRun(context.Background(), []string{"01p000000000001"})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if !o.Abort(started.RunID) {
		t.Fatal("Abort should find the active poller")
	}

	store.waitStatus(t, started.RunID, domain.StatusAborted)

	// Shutdown waits for the poller to finish its bookkeeping before we assert
	// that the cancel handle is gone.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := o.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if o.Abort(started.RunID) {
		t.Error("Abort after the poller exited should report false")
	}
	if events := pub.snapshot(); len(events) != 0 {
		t.Errorf("aborted before any tick, got %d events", len(events))
	}
}

func TestOrchestrator_PollErrorMarksFailed(t *testing.T) {
	jobs := &fakeJobClient{
		ticks: []queueTick{{err: errors.New("boom")}},
	}
	o, store, _ := newTestOrchestrator(t, jobs, 120)

	started, err := o.StartRun(context.Background(), []string{"01p000000000001"})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	store.waitStatus(t, started.RunID, domain.StatusFailed)
}

func TestOrchestrator_ResultsFetchErrorMarksFailed(t *testing.T) {
	jobs := &fakeJobClient{
		ticks:      []queueTick{{items: []salesforce.QueueItem{queueItem("Completed")}}},
		resultsErr: errors.New("results unavailable"),
	}
	o, store, pub := newTestOrchestrator(t, jobs, 120)

	started, err := o.StartRun(context.Background(), []string{"01p000000000001"})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	store.waitStatus(t, started.RunID, domain.StatusFailed)

	for _, ev := range pub.snapshot() {
		if ev.PercentComplete == 100.0 {
			t.Error("failed finalization must not publish a terminal 100 percent event")
		}
	}
}

func TestOrchestrator_OrgIDFallback(t *testing.T) {
	jobs := &fakeJobClient{}
	store := newMemRunStore()
	pub := &recordingPublisher{}
	o := NewOrchestrator(jobs, &fakeIdentity{err: errors.New("no session")}, store, pub, 5*time.Millisecond, 1)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})

	started, err := o.StartRun(context.Background(), []string{"01p000000000001"})
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	run, _ := store.FindByID(context.Background(), started.RunID)
	if run.OrgID != "unknown" {
		t.Errorf("OrgID fallback: got %q, want unknown", run.OrgID)
	}
}
