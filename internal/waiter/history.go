package waiter

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/coachpo/eventwait/internal/domain/schema"
	"github.com/coachpo/eventwait/internal/observability"
	"github.com/coachpo/eventwait/lib/async"
)

// Outcome is the record of one finished wait.
type Outcome struct {
	RequestID  string
	Request    schema.WaitRequest
	Response   schema.Response
	StartedAt  time.Time
	FinishedAt time.Time
}

// Recorder receives finished waits. Record must not block the caller.
type Recorder interface {
	Record(ctx context.Context, outcome Outcome)
}

// OutcomeStore persists outcomes.
type OutcomeStore interface {
	SaveOutcome(ctx context.Context, outcome Outcome) error
}

// AsyncRecorder writes outcomes to a store on a bounded worker pool. Writes are best
// effort: a saturated queue or a failing store is logged and dropped.
type AsyncRecorder struct {
	store        OutcomeStore
	workers      *async.Pool
	writeTimeout time.Duration
}

// NewAsyncRecorder starts the worker pool backing the recorder.
func NewAsyncRecorder(store OutcomeStore, workers, queue int, writeTimeout time.Duration) (*AsyncRecorder, error) {
	p, err := async.NewPool("history", workers, queue)
	if err != nil {
		return nil, err
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &AsyncRecorder{store: store, workers: p, writeTimeout: writeTimeout}, nil
}

// Record queues the outcome for persistence.
func (r *AsyncRecorder) Record(ctx context.Context, outcome Outcome) {
	err := r.workers.Submit(ctx, func(taskCtx context.Context) error {
		writeCtx, cancel := context.WithTimeout(taskCtx, r.writeTimeout)
		defer cancel()
		return r.store.SaveOutcome(writeCtx, outcome)
	})
	if err != nil {
		observability.Log().Warn("history record dropped",
			observability.F("request_id", outcome.RequestID),
			observability.F("error", err))
	}
}

// Shutdown drains queued writes.
func (r *AsyncRecorder) Shutdown(ctx context.Context) error {
	return r.workers.Shutdown(ctx)
}

// OutcomeRecord is a persisted outcome as read back from the store.
type OutcomeRecord struct {
	RequestID      string          `json:"requestId"`
	Status         schema.Status   `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	TimeoutSeconds int             `json:"timeout"`
	DurationMS     int64           `json:"durationMs"`
	Request        json.RawMessage `json:"request"`
	Response       json.RawMessage `json:"response"`
	StartedAt      time.Time       `json:"startedAt"`
	FinishedAt     time.Time       `json:"finishedAt"`
}

// OutcomeReader lists persisted outcomes, newest first.
type OutcomeReader interface {
	ListOutcomes(ctx context.Context, limit int) ([]OutcomeRecord, error)
}
