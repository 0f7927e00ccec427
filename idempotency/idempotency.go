// Package idempotency implements the processed-event store of spec.md
// §4.2: the durable (consumer, event_id) -> outcome record that backs
// exactly-once *effect*, plus the bounded in-process cache that
// short-circuits repeat checks.
package idempotency

import "time"

// Status is a ProcessedEventRecord's lifecycle state.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Result is a ProcessedEventRecord's terminal outcome.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailed  Result = "failed"
)

// Record is spec.md §3's ProcessedEventRecord.
type Record struct {
	ConsumerName          string
	EventID               string
	EventType             string
	ConsumerGroup         string
	Status                Status
	ProcessedAt           time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
	ProcessingDurationMs  int64
	ProcessingAttempts    int
	RetryCount            int
	MaxRetries            int
	Result                Result
	Output                []byte
	ErrorMessage          string
	ErrorCode             string
}

// CheckResult is the answer to Store.Check.
type CheckResult struct {
	Processed   bool
	ProcessedAt time.Time
	Attempts    int
	Output      []byte
}

// Outcome is what Store.RecordOutcome persists after a handler runs.
type Outcome struct {
	Status       Status
	DurationMs   int64
	Result       Result
	Output       []byte
	ErrorMessage string
	ErrorCode    string
}

// Store is the five-operation port spec.md §4.2/§9 describes: any
// relational engine with an INSERT ... ON CONFLICT DO NOTHING equivalent
// suffices behind this interface.
type Store interface {
	Check(consumer, eventID string) (CheckResult, error)
	MarkInProgress(consumer, eventID, eventType string) error
	RecordOutcome(consumer, eventID string, outcome Outcome) error
	Reset(consumer, eventID string) error
	Prune(consumer string, olderThan time.Time) (int64, error)
}
