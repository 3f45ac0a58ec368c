// Command paywatch runs one payment screen in the terminal: it shows the QR code for a
// student's unpaid orders and follows the payment until it settles or expires.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kevin07696/uniform-pay/internal/adapters/backend"
	"github.com/kevin07696/uniform-pay/internal/adapters/kafka"
	"github.com/kevin07696/uniform-pay/internal/adapters/kvstore"
	"github.com/kevin07696/uniform-pay/internal/adapters/postgres"
	"github.com/kevin07696/uniform-pay/internal/channel"
	"github.com/kevin07696/uniform-pay/internal/config"
	"github.com/kevin07696/uniform-pay/internal/countdown"
	"github.com/kevin07696/uniform-pay/internal/domain"
	"github.com/kevin07696/uniform-pay/internal/domain/ports"
	"github.com/kevin07696/uniform-pay/internal/reconcile"
	"github.com/kevin07696/uniform-pay/internal/session"
	pkghttp "github.com/kevin07696/uniform-pay/pkg/http"
	"github.com/kevin07696/uniform-pay/pkg/observability"
	"github.com/kevin07696/uniform-pay/pkg/resilience"
	"github.com/kevin07696/uniform-pay/pkg/shutdown"
	"github.com/kevin07696/uniform-pay/pkg/timeutil"
)

func main() {
	subject := flag.String("subject", "", "student national ID number")
	methodFlag := flag.String("method", "WECHAT", "payment method: ALIPAY|WECHAT (or pay_way code 2|3)")
	flag.Parse()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	logger := initLogger(cfg.Logger)
	defer logger.Sync()

	method, ok := domain.ParsePaymentMethod(*methodFlag)
	if *subject == "" || !ok {
		logger.Fatal("Both -subject and a valid -method are required",
			zap.String("method", *methodFlag),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sm := shutdown.NewManager(logger, 15*time.Second)
	health := observability.NewHealthChecker()
	timeouts := resilience.DefaultTimeoutConfig()
	clock := timeutil.NewRealClock()

	httpClient := pkghttp.NewHTTPClient(pkghttp.BackendClientConfig(), cfg.Backend.Timeout)
	backendClient := backend.NewClient(backend.Config{
		BaseURL:           cfg.Backend.BaseURL,
		RequestsPerSecond: cfg.Backend.RequestsPerSecond,
		Burst:             cfg.Backend.Burst,
	}, httpClient, logger)
	health.Register("backend", backendClient.Ping)

	kv, err := initSessionStore(ctx, cfg.Session, sm, health, logger)
	if err != nil {
		logger.Fatal("Failed to initialize session store", zap.Error(err))
	}
	sessions := session.NewStore(kv, clock, logger)

	deps := reconcile.Deps{
		Backend:  backendClient,
		Sessions: sessions,
		Querier:  channel.NewStatusQuerier(backendClient, nil, timeouts, clock, logger),
		Clock:    clock,
		Logger:   logger,
	}

	if cfg.PublishingEnabled() {
		publisher, err := initPublisher(ctx, cfg.Kafka, logger)
		if err != nil {
			logger.Fatal("Failed to initialize outcome publisher", zap.Error(err))
		}
		sm.Register("outcome_publisher", publisher.Close)
		deps.Publisher = publisher
	}

	if cfg.RealtimeEnabled() {
		hub := channel.NewRealtime(channel.RealtimeConfig{
			URL:                  cfg.Realtime.URL,
			MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
			DialTimeout:          timeouts.RealtimeDial,
			Backoff:              resilience.ReconnectBackoff(),
		}, clock, logger)
		sm.RegisterNoErr("realtime_hub", hub.Disconnect)
		deps.Hub = hub
	}

	if cfg.Metrics.Enabled {
		server := observability.StartMetricsServer(strconv.Itoa(cfg.Metrics.Port), health, logger)
		sm.Register("metrics_server", func(ctx context.Context) error {
			return observability.ShutdownMetricsServer(ctx, server)
		})
		logger.Info("Metrics server started", zap.Int("port", cfg.Metrics.Port))
	}

	ctrl := reconcile.NewController(deps, reconcile.Config{
		Window:        cfg.Session.Window,
		PaidGrace:     cfg.Session.PaidGrace,
		RealtimeGrace: cfg.Realtime.Grace,
		Polling: channel.PollingConfig{
			FastInterval: cfg.Polling.FastInterval,
			SlowInterval: cfg.Polling.SlowInterval,
			FastPhase:    cfg.Polling.FastPhase,
			Horizon:      cfg.Polling.Horizon,
		},
		Timeouts: timeouts,
	})
	sm.RegisterNoErr("controller", ctrl.Close)

	printStudent(ctx, backendClient, *subject, logger)

	screen := &screen{out: os.Stdout}
	ctrl.Subscribe(screen.render)

	if err := ctrl.Start(ctx, *subject, method); err != nil {
		logger.Warn("Payment attempt could not start", zap.Error(err))
	}

	go readCommands(ctx, os.Stdin, ctrl, cancel, logger)

	if err := sm.WaitForShutdown(ctx); err != nil {
		logger.Error("Shutdown finished with errors", zap.Error(err))
		os.Exit(1)
	}
}

// initLogger builds a production logger unless development mode is requested
func initLogger(cfg config.LoggerConfig) *zap.Logger {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	// Keep stdout for the payment screen
	zapCfg.OutputPaths = []string{"stderr"}

	logger, err := zapCfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// initSessionStore opens the configured session backend and registers its teardown
func initSessionStore(ctx context.Context, cfg config.SessionConfig, sm *shutdown.Manager, health *observability.HealthChecker, logger *zap.Logger) (ports.KeyValueStore, error) {
	switch cfg.Driver {
	case config.SessionDriverMemory:
		logger.Warn("Using in-memory session store; attempts will not survive a restart")
		return kvstore.NewMemoryStore(), nil

	case config.SessionDriverFile:
		store, err := kvstore.NewFileStore(cfg.FilePath, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("Using file session store", zap.String("path", cfg.FilePath))
		return store, nil

	case config.SessionDriverPostgres:
		pgCfg := postgres.DefaultConfig(cfg.DatabaseURL)
		pool, err := postgres.NewPool(ctx, pgCfg, logger)
		if err != nil {
			return nil, err
		}
		sm.RegisterNoErr("session_database", pool.Close)
		health.Register("session_database", pool.Ping)

		store := postgres.NewKVStore(pool, pgCfg.QueryTimeout, logger)
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown session driver %q", cfg.Driver)
	}
}

func initPublisher(ctx context.Context, cfg config.KafkaConfig, logger *zap.Logger) (*kafka.OutcomePublisher, error) {
	topicCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := kafka.EnsureTopic(topicCtx, cfg.Brokers, cfg.Topic, 3, logger); err != nil {
		// The topic may be managed elsewhere; writes will surface a real problem
		logger.Warn("Could not ensure outcome topic", zap.Error(err))
	}
	return kafka.NewOutcomePublisher(kafka.Config{Brokers: cfg.Brokers, Topic: cfg.Topic}, logger)
}

func printStudent(ctx context.Context, dir ports.StudentDirectory, idNumber string, logger *zap.Logger) {
	lookupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	student, err := dir.LookupStudent(lookupCtx, idNumber)
	if err != nil {
		logger.Warn("Student lookup failed", zap.Error(err))
		return
	}
	fmt.Printf("Student: %s  %s %s\n", student.Name, student.SchoolName, student.ClassName)
}

// readCommands handles c (check now), r (restart) and q (quit) lines from in
func readCommands(ctx context.Context, in io.Reader, ctrl *reconcile.Controller, quit context.CancelFunc, logger *zap.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "c", "check":
			if err := ctrl.CheckNow(ctx); err != nil {
				fmt.Printf("Status check failed: %s\n", domain.UserMessage(err))
			}
		case "r", "restart":
			if err := ctrl.Restart(ctx); err != nil {
				fmt.Printf("Restart failed: %s\n", domain.UserMessage(err))
			}
		case "q", "quit":
			quit()
			return
		case "":
		default:
			fmt.Println("Commands: c = check payment status, r = new QR code, q = quit")
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("Reading commands failed", zap.Error(err))
	}
}

// screen prints state changes. Countdown ticks are shown every 30 seconds and in the last 10.
type screen struct {
	out  io.Writer
	last domain.ReconciliationState
}

func (s *screen) render(state domain.ReconciliationState) {
	prev := s.last
	s.last = state

	if state.Status != prev.Status || state.ClientTransactionID() != prev.ClientTransactionID() {
		s.renderStatus(state)
		return
	}
	if state.Connection != prev.Connection || state.Degraded != prev.Degraded {
		fmt.Fprintf(s.out, "  [%s] %s\n", channelLabel(state), state.Connection.Indicator())
	}
	if state.Status == domain.StatusAwaitingPayment && state.RemainingSeconds != prev.RemainingSeconds &&
		(state.RemainingSeconds%30 == 0 || state.RemainingSeconds <= 10) {
		fmt.Fprintf(s.out, "  time left %s\n", countdown.Format(state.RemainingSeconds))
	}
}

func (s *screen) renderStatus(state domain.ReconciliationState) {
	switch state.Status {
	case domain.StatusInitializing:
		fmt.Fprintln(s.out, "Preparing payment...")
	case domain.StatusAwaitingPayment:
		a := state.Attempt
		if state.Resumed {
			fmt.Fprintln(s.out, "Resuming your previous payment")
		}
		fmt.Fprintf(s.out, "%s  %s  CNY %s\n", a.PaymentMethod.DisplayName(), a.Description, a.TotalAmount.StringFixed(2))
		fmt.Fprintf(s.out, "Scan to pay: %s\n", a.QRPayload)
		if a.QRImageURL != "" {
			fmt.Fprintf(s.out, "QR image: %s\n", a.QRImageURL)
		}
		fmt.Fprintf(s.out, "Order %s  time left %s  [%s] %s\n",
			a.ClientTransactionID, countdown.Format(state.RemainingSeconds), channelLabel(state), state.Connection.Indicator())
	case domain.StatusPaid:
		fmt.Fprintln(s.out, "Payment received. Thank you!")
	case domain.StatusCanceled:
		fmt.Fprintln(s.out, "Payment was canceled. Type r for a new QR code.")
	case domain.StatusExpired:
		fmt.Fprintln(s.out, "QR code expired. Type r for a new one.")
	case domain.StatusError:
		fmt.Fprintf(s.out, "Could not start payment: %s\n", domain.UserMessage(state.Err))
	}
}

func channelLabel(state domain.ReconciliationState) string {
	if state.Degraded {
		return "polling"
	}
	return strings.ToLower(string(state.ChannelMode))
}
