package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/eventwait/errs"
	"github.com/coachpo/eventwait/internal/domain/schema"
	"github.com/coachpo/eventwait/internal/telemetry"
	"github.com/coachpo/eventwait/internal/waiter"
)

const (
	defaultOutcomeLimit = 50
	maxOutcomeLimit     = 500
)

const (
	outcomeInsertSQL = `
INSERT INTO wait_outcomes (
    request_id,
    status,
    reason,
    timeout_secs,
    duration_ms,
    request,
    response,
    started_at,
    finished_at
)
VALUES (@request_id, @status, @reason, @timeout_secs, @duration_ms, @request, @response, @started_at, @finished_at)
ON CONFLICT (request_id) DO NOTHING;
`

	outcomeListSQL = `
SELECT
    request_id::text,
    status,
    COALESCE(reason, ''),
    timeout_secs,
    duration_ms,
    request,
    response,
    started_at,
    finished_at
FROM wait_outcomes
ORDER BY finished_at DESC
LIMIT @limit;
`

	outcomeGetSQL = `
SELECT
    request_id::text,
    status,
    COALESCE(reason, ''),
    timeout_secs,
    duration_ms,
    request,
    response,
    started_at,
    finished_at
FROM wait_outcomes
WHERE request_id = @request_id;
`
)

// OutcomeStore persists finished waits in the wait_outcomes table.
type OutcomeStore struct {
	pool   *pgxpool.Pool
	writes metric.Int64Counter
}

var (
	_ waiter.OutcomeStore  = (*OutcomeStore)(nil)
	_ waiter.OutcomeReader = (*OutcomeStore)(nil)
)

// NewOutcomeStore constructs an OutcomeStore backed by the provided pool.
func NewOutcomeStore(pool *pgxpool.Pool) *OutcomeStore {
	s := &OutcomeStore{pool: pool}
	meter := otel.Meter("history")
	s.writes, _ = meter.Int64Counter(telemetry.MetricHistoryWrites,
		metric.WithDescription("Number of wait outcomes written"),
		metric.WithUnit("{outcome}"))
	return s
}

// SaveOutcome inserts the outcome. Re-saving the same request id is a no-op.
func (s *OutcomeStore) SaveOutcome(ctx context.Context, outcome waiter.Outcome) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		if s.writes != nil {
			s.writes.Add(ctx, 1, metric.WithAttributes(telemetry.OperationResultAttributes(telemetry.Environment(), "save_outcome", result)...))
		}
	}()

	if s.pool == nil {
		return errs.New("history/save", errs.CodeUnavailable, errs.WithMessage("database not configured"))
	}
	args, err := outcomeArgs(outcome)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, outcomeInsertSQL, args); err != nil {
		return fmt.Errorf("insert wait outcome %s: %w", outcome.RequestID, err)
	}
	return nil
}

func outcomeArgs(outcome waiter.Outcome) (pgx.NamedArgs, error) {
	if outcome.Response == nil {
		return nil, errs.Invalid("history/save", "response required")
	}
	request, err := json.Marshal(outcome.Request)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	response, err := json.Marshal(outcome.Response)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}

	var reason *string
	if e, ok := outcome.Response.(*schema.ErrorResponse); ok {
		reason = &e.Reason
	}
	return pgx.NamedArgs{
		"request_id":   outcome.RequestID,
		"status":       string(outcome.Response.Status()),
		"reason":       reason,
		"timeout_secs": outcome.Request.Timeout,
		"duration_ms":  outcome.FinishedAt.Sub(outcome.StartedAt).Milliseconds(),
		"request":      request,
		"response":     response,
		"started_at":   outcome.StartedAt.UTC(),
		"finished_at":  outcome.FinishedAt.UTC(),
	}, nil
}

// ListOutcomes returns up to limit outcomes, most recent first.
func (s *OutcomeStore) ListOutcomes(ctx context.Context, limit int) ([]waiter.OutcomeRecord, error) {
	if s.pool == nil {
		return nil, errs.New("history/list", errs.CodeUnavailable, errs.WithMessage("database not configured"))
	}
	rows, err := s.pool.Query(ctx, outcomeListSQL, pgx.NamedArgs{"limit": clampLimit(limit)})
	if err != nil {
		return nil, fmt.Errorf("list wait outcomes: %w", err)
	}
	records, err := pgx.CollectRows(rows, scanOutcome)
	if err != nil {
		return nil, fmt.Errorf("scan wait outcomes: %w", err)
	}
	return records, nil
}

// GetOutcome loads a single outcome by request id.
func (s *OutcomeStore) GetOutcome(ctx context.Context, requestID string) (waiter.OutcomeRecord, error) {
	if s.pool == nil {
		return waiter.OutcomeRecord{}, errs.New("history/get", errs.CodeUnavailable, errs.WithMessage("database not configured"))
	}
	rows, err := s.pool.Query(ctx, outcomeGetSQL, pgx.NamedArgs{"request_id": requestID})
	if err != nil {
		return waiter.OutcomeRecord{}, fmt.Errorf("get wait outcome %s: %w", requestID, err)
	}
	record, err := pgx.CollectExactlyOneRow(rows, scanOutcome)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return waiter.OutcomeRecord{}, errs.New("history/get", errs.CodeNotFound, errs.WithHTTP(404),
				errs.WithMessage("wait outcome not found"), errs.WithField("request_id", requestID))
		}
		return waiter.OutcomeRecord{}, fmt.Errorf("scan wait outcome %s: %w", requestID, err)
	}
	return record, nil
}

func scanOutcome(row pgx.CollectableRow) (waiter.OutcomeRecord, error) {
	var (
		rec      waiter.OutcomeRecord
		status   string
		request  []byte
		response []byte
		started  time.Time
		finished time.Time
	)
	if err := row.Scan(&rec.RequestID, &status, &rec.Reason, &rec.TimeoutSeconds, &rec.DurationMS,
		&request, &response, &started, &finished); err != nil {
		return waiter.OutcomeRecord{}, err
	}
	rec.Status = schema.Status(status)
	rec.Request = json.RawMessage(request)
	rec.Response = json.RawMessage(response)
	rec.StartedAt = started.UTC()
	rec.FinishedAt = finished.UTC()
	return rec, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultOutcomeLimit
	case limit > maxOutcomeLimit:
		return maxOutcomeLimit
	default:
		return limit
	}
}
