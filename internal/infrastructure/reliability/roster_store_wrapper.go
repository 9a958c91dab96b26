package reliability

import (
	"context"
	"errors"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/circuitbreaker"
	"meshcall/pkg/retry"
	"meshcall/pkg/tracing"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// RosterStoreWrapper guards a RosterStore with a circuit breaker and traces
// every call. Upserts are idempotent and also retried; other writes are
// compare-and-set or delete and are attempted once.
type RosterStoreWrapper struct {
	store   ports.RosterStore
	breaker *circuitbreaker.CircuitBreaker
	retry   retry.Config
	logger  *zap.SugaredLogger
}

// isOutcome reports errors that are answers from a healthy store.
func isOutcome(err error) bool {
	return errors.Is(err, domain.ErrParticipantNotFound) ||
		errors.Is(err, domain.ErrInvalidTransition) ||
		errors.Is(err, domain.ErrRoomFull) ||
		errors.Is(err, context.Canceled)
}

func NewRosterStoreWrapper(store ports.RosterStore, retryConfig retry.Config, cbConfig circuitbreaker.Config, logger *zap.SugaredLogger) *RosterStoreWrapper {
	cbConfig.IsFailure = func(err error) bool { return !isOutcome(err) }
	retryConfig.NonRetryableErrors = append(retryConfig.NonRetryableErrors, circuitbreaker.ErrOpen)

	w := &RosterStoreWrapper{
		store:   store,
		breaker: circuitbreaker.New(cbConfig),
		retry:   retryConfig,
		logger:  logger,
	}
	w.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("roster store circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return w
}

// BreakerState is reported by the health check.
func (w *RosterStoreWrapper) BreakerState() circuitbreaker.State {
	return w.breaker.GetState()
}

func guarded[T any](ctx context.Context, w *RosterStoreWrapper, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, span := tracing.TraceStoreOperation(ctx, op, "roster")
	defer span.End()

	start := time.Now()
	result, err := circuitbreaker.Execute(ctx, w.breaker, func() (T, error) { return fn(ctx) })
	tracing.MeasureDuration(ctx, start, op)
	switch {
	case err == nil:
		tracing.SetSpanStatus(ctx, codes.Ok, "")
	case !isOutcome(err):
		tracing.RecordError(ctx, err)
	}
	return result, err
}

func (w *RosterStoreWrapper) Upsert(ctx context.Context, p *domain.Participant) error {
	return retry.Retry(ctx, w.retry, func() error {
		_, err := guarded(ctx, w, "upsert", func(ctx context.Context) (struct{}, error) {
			return struct{}{}, w.store.Upsert(ctx, p)
		})
		return err
	})
}

// Join is not retried: a retry after a lost reply would report the row as
// already present instead of created.
func (w *RosterStoreWrapper) Join(ctx context.Context, p *domain.Participant, capacity int) (*domain.Participant, bool, error) {
	type joined struct {
		row     *domain.Participant
		created bool
	}
	res, err := guarded(ctx, w, "join", func(ctx context.Context) (joined, error) {
		row, created, err := w.store.Join(ctx, p, capacity)
		return joined{row: row, created: created}, err
	})
	return res.row, res.created, err
}

func (w *RosterStoreWrapper) Get(ctx context.Context, roomID domain.RoomID, userID domain.UserID) (*domain.Participant, error) {
	return guarded(ctx, w, "get", func(ctx context.Context) (*domain.Participant, error) {
		return w.store.Get(ctx, roomID, userID)
	})
}

func (w *RosterStoreWrapper) ListByStatus(ctx context.Context, roomID domain.RoomID, status domain.ParticipantStatus) ([]*domain.Participant, error) {
	return guarded(ctx, w, "list_by_status", func(ctx context.Context) ([]*domain.Participant, error) {
		return w.store.ListByStatus(ctx, roomID, status)
	})
}

func (w *RosterStoreWrapper) UpdateStatus(ctx context.Context, roomID domain.RoomID, userID domain.UserID, from, to domain.ParticipantStatus) (*domain.Participant, error) {
	return guarded(ctx, w, "update_status", func(ctx context.Context) (*domain.Participant, error) {
		return w.store.UpdateStatus(ctx, roomID, userID, from, to)
	})
}

func (w *RosterStoreWrapper) Remove(ctx context.Context, roomID domain.RoomID, userID domain.UserID) error {
	_, err := guarded(ctx, w, "remove", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, w.store.Remove(ctx, roomID, userID)
	})
	return err
}

func (w *RosterStoreWrapper) Count(ctx context.Context, roomID domain.RoomID) (int, error) {
	return guarded(ctx, w, "count", func(ctx context.Context) (int, error) {
		return w.store.Count(ctx, roomID)
	})
}

func (w *RosterStoreWrapper) Watch(ctx context.Context, roomID domain.RoomID, onChange func(domain.RosterChange)) (ports.Subscription, error) {
	return guarded(ctx, w, "watch", func(ctx context.Context) (ports.Subscription, error) {
		return w.store.Watch(ctx, roomID, onChange)
	})
}
