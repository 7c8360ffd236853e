// Package domain defines the test run aggregate and its child records.
package domain

import "time"

// Status is the lifecycle state of a Run. Completed, Failed, and Aborted are
// terminal; a terminal run is never mutated again.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusAborted    Status = "ABORTED"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// Outcome is the mapped result of a single test method.
type Outcome string

const (
	OutcomePass        Outcome = "PASS"
	OutcomeFail        Outcome = "FAIL"
	OutcomeCompileFail Outcome = "COMPILE_FAIL"
	OutcomeSkip        Outcome = "SKIP"
)

// MapOutcome converts the remote outcome label. Unknown and empty labels map to Skip.
func MapOutcome(label string) Outcome {
	switch label {
	case "Pass":
		return OutcomePass
	case "Fail":
		return OutcomeFail
	case "CompileFail":
		return OutcomeCompileFail
	default:
		return OutcomeSkip
	}
}

// Run is one remote asynchronous test job with its locally tracked lifecycle.
// Total/pass/fail counts are meaningful only once Status is terminal. Results and
// coverage children exist only after finalization and are immutable afterwards.
type Run struct {
	ID             int64
	AsyncApexJobID string
	OrgID          string
	Status         Status
	TotalTests     int
	PassCount      int
	FailCount      int
	StartedAt      time.Time
	CompletedAt    *time.Time
}

// Result is one finalized per-method test result owned by a Run.
type Result struct {
	ID         int64
	RunID      int64
	ClassName  string
	MethodName string
	Outcome    Outcome
	Message    string
	StackTrace string
	RunTimeMs  int64
}

// CoverageSnapshot is finalized per-class line coverage owned by a Run.
type CoverageSnapshot struct {
	ID              int64
	RunID           int64
	ClassName       string
	LinesCovered    int
	LinesUncovered  int
	CoveragePercent float64
}
