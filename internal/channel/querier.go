package channel

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kevin07696/uniform-pay/internal/domain"
	"github.com/kevin07696/uniform-pay/internal/domain/ports"
	"github.com/kevin07696/uniform-pay/pkg/observability"
	"github.com/kevin07696/uniform-pay/pkg/resilience"
	"github.com/kevin07696/uniform-pay/pkg/timeutil"
)

// StatusQuerier runs backend status queries behind a per-id single-flight guard, so a manual
// check issued while a scheduled poll is in flight shares the poll's request.
type StatusQuerier struct {
	backend  ports.StatusBackend
	group    singleflight.Group
	breaker  *resilience.CircuitBreaker
	timeouts *resilience.TimeoutConfig
	clock    timeutil.Clock
	logger   *zap.Logger
}

// NewStatusQuerier creates a querier. breaker and timeouts may be nil for defaults.
func NewStatusQuerier(
	backend ports.StatusBackend,
	breaker *resilience.CircuitBreaker,
	timeouts *resilience.TimeoutConfig,
	clock timeutil.Clock,
	logger *zap.Logger,
) *StatusQuerier {
	if clock == nil {
		clock = timeutil.NewRealClock()
	}
	if timeouts == nil {
		timeouts = resilience.DefaultTimeoutConfig()
	}
	if breaker == nil {
		cfg := resilience.DefaultCircuitBreakerConfig()
		cfg.OnStateChange = func(name string, to resilience.CircuitState) {
			observability.SetCircuitState(name, int(to))
			logger.Warn("Status query circuit changed state",
				zap.String("circuit", name),
				zap.String("state", to.String()),
			)
		}
		breaker = resilience.NewCircuitBreaker("status_query", cfg, clock)
	}
	return &StatusQuerier{
		backend:  backend,
		breaker:  breaker,
		timeouts: timeouts,
		clock:    clock,
		logger:   logger,
	}
}

// Query asks the backend for id's status. Callers that overlap an in-flight query for the
// same id wait for it and receive its result.
func (q *StatusQuerier) Query(ctx context.Context, id string, source domain.EventSource) (domain.StatusEvent, error) {
	if id == "" {
		return domain.StatusEvent{}, domain.ErrNoActiveAttempt
	}

	started := time.Now()
	v, err, shared := q.group.Do(id, func() (interface{}, error) {
		// Detach from the first caller's cancellation; later callers share this request.
		qctx, cancel := q.timeouts.StatusQueryContext(context.WithoutCancel(ctx))
		defer cancel()

		var (
			status    domain.OrderStatus
			decodeErr error
		)
		callErr := q.breaker.Call(func() error {
			var err error
			status, err = q.backend.QueryStatus(qctx, id)
			// Decode failures mean the backend answered; they do not trip the breaker
			if domain.GetErrorCode(err) == domain.ErrorCodeDecode {
				decodeErr = err
				return nil
			}
			return err
		})
		if callErr == nil {
			callErr = decodeErr
		}
		return status, callErr
	})

	result := "ok"
	switch {
	case shared:
		result = "shared"
	case err != nil:
		result = "error"
	}
	observability.RecordStatusQuery(string(source), result, time.Since(started))

	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrProbeInFlight) {
			err = domain.WrapError(domain.ErrorCodeTransport, "status queries suspended", err)
		}
		q.logger.Warn("Payment status query failed",
			zap.String("client_sn", id),
			zap.String("trigger", string(source)),
			zap.Error(err),
		)
		return domain.StatusEvent{}, err
	}

	return domain.StatusEvent{
		ClientTransactionID: id,
		OrderStatus:         v.(domain.OrderStatus),
		ReceivedAt:          q.clock.Now(),
		Source:              source,
	}, nil
}
