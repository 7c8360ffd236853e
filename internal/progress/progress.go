// Package progress defines the run progress event and the broadcast contract.
package progress

import (
	"context"
	"log"
	"time"
)

// TopicTestProgress is the topic all run progress events are published on.
const TopicTestProgress = "test-progress"

// Event is one progress update for a run. Events for a run are published in tick
// order with non-decreasing PercentComplete; the terminal event carries 100.
type Event struct {
	EventID         string    `json:"eventId"`
	TestRunID       string    `json:"testRunId"`
	RunID           int64     `json:"runId"`
	Status          string    `json:"status"`
	TotalTests      int       `json:"totalTests"`
	CompletedTests  int       `json:"completedTests"`
	PassCount       int       `json:"passCount"`
	FailCount       int       `json:"failCount"`
	PercentComplete float64   `json:"percentComplete"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Publisher broadcasts progress events. Delivery is best-effort with no
// guarantee: consumers that need the terminal state must poll the run store as
// a fallback rather than rely solely on the stream.
type Publisher interface {
	// Publish sends a single event. Returns an error only on write failure;
	// callers typically log and ignore.
	Publish(ctx context.Context, topic string, ev *Event) error
	// Close releases resources. Safe to call if already closed.
	Close() error
}

// Fanout publishes each event to every underlying publisher in order, so each
// sink observes the same tick ordering. Per-sink failures are logged and do not
// stop the fanout.
type Fanout struct {
	sinks []Publisher
}

// NewFanout returns a Publisher broadcasting to all given sinks. Nil sinks are skipped.
func NewFanout(sinks ...Publisher) *Fanout {
	out := make([]Publisher, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Fanout{sinks: out}
}

func (f *Fanout) Publish(ctx context.Context, topic string, ev *Event) error {
	for _, s := range f.sinks {
		if err := s.Publish(ctx, topic, ev); err != nil {
			log.Printf("progress: publish failed: %v", err)
		}
	}
	return nil
}

func (f *Fanout) Close() error {
	var lastErr error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
