package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	shutdownDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "paywatch_shutdown_duration_seconds",
		Help:    "Total time taken to shut down",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})

	componentShutdownDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paywatch_component_shutdown_duration_seconds",
		Help:    "Time taken to shut down individual components",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	}, []string{"component"})

	shutdownErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paywatch_shutdown_errors_total",
		Help: "Total number of shutdown errors by component",
	}, []string{"component"})
)

// ShutdownFunc stops one component
type ShutdownFunc func(context.Context) error

type component struct {
	name string
	fn   ShutdownFunc
}

// Manager tears components down in reverse registration order (LIFO), one at a time, so the
// reconciliation controller stops before the publisher and session store it writes to.
type Manager struct {
	logger  *zap.Logger
	timeout time.Duration

	mu         sync.Mutex
	components []component
	once       sync.Once
	err        error
}

// NewManager creates a shutdown manager whose whole teardown is bounded by timeout
func NewManager(logger *zap.Logger, timeout time.Duration) *Manager {
	return &Manager{logger: logger, timeout: timeout}
}

// Register adds fn to run at shutdown. Register dependencies first.
func (sm *Manager) Register(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.components = append(sm.components, component{name: name, fn: fn})
	sm.logger.Debug("Registered shutdown component",
		zap.String("component", name),
		zap.Int("registration_order", len(sm.components)),
	)
}

// RegisterCloser registers a component with a Close() error method
func (sm *Manager) RegisterCloser(name string, closer interface{ Close() error }) {
	sm.Register(name, func(context.Context) error { return closer.Close() })
}

// RegisterNoErr registers a shutdown func that cannot fail
func (sm *Manager) RegisterNoErr(name string, fn func()) {
	sm.Register(name, func(context.Context) error {
		fn()
		return nil
	})
}

// WaitForShutdown blocks until SIGINT/SIGTERM arrives or ctx is done, then shuts down
func (sm *Manager) WaitForShutdown(ctx context.Context) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		sm.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		sm.logger.Info("Shutdown requested")
	}
	return sm.Shutdown()
}

// Shutdown runs every registered component once, newest first. Later calls return the first result.
func (sm *Manager) Shutdown() error {
	sm.once.Do(func() {
		started := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
		defer cancel()

		sm.mu.Lock()
		components := append([]component(nil), sm.components...)
		sm.mu.Unlock()

		sm.logger.Info("Starting graceful shutdown",
			zap.Int("component_count", len(components)),
			zap.Duration("timeout", sm.timeout),
		)

		var errs []error
		for i := len(components) - 1; i >= 0; i-- {
			if err := sm.stop(ctx, components[i]); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", components[i].name, err))
			}
		}
		sm.err = errors.Join(errs...)

		elapsed := time.Since(started)
		shutdownDuration.Observe(elapsed.Seconds())
		if sm.err != nil {
			sm.logger.Error("Shutdown completed with errors",
				zap.Int("error_count", len(errs)),
				zap.Duration("elapsed", elapsed),
				zap.Error(sm.err),
			)
			return
		}
		sm.logger.Info("Shutdown completed", zap.Duration("elapsed", elapsed))
	})
	return sm.err
}

func (sm *Manager) stop(ctx context.Context, c component) (err error) {
	started := time.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic during shutdown: %v", p)
		}
		componentShutdownDuration.WithLabelValues(c.name).Observe(time.Since(started).Seconds())
		if err != nil {
			shutdownErrors.WithLabelValues(c.name).Inc()
			sm.logger.Error("Component shutdown failed",
				zap.String("component", c.name),
				zap.Error(err),
			)
		}
	}()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	sm.logger.Debug("Shutting down component", zap.String("component", c.name))
	return c.fn(ctx)
}
