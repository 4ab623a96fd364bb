package terminal

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/exp/slog"

	"github.com/alovak/cardflow-terminal/internal/middleware"
	_ "github.com/lib/pq"
)

// App is the terminal application. It wires the orchestrator, the
// authorization backend, the recovery manager and the HTTP surface, and is
// responsible for starting and stopping them.
type App struct {
	srv          *http.Server
	wg           *sync.WaitGroup
	Addr         string
	logger       *slog.Logger
	config       *Config
	orchestrator *Orchestrator
	recovery     *RecoveryManager
	Kernel       *SimKernel
	backend      AuthorizationBackend
	closeKeys    func()
	cancelRun    context.CancelFunc
}

func NewApp(logger *slog.Logger, config *Config) *App {
	logger = logger.With(slog.String("app", "terminal"))

	if config == nil {
		config = DefaultConfig()
	}

	return &App{
		wg:     &sync.WaitGroup{},
		logger: logger,
		config: config,
	}
}

func (a *App) Start() error {
	a.logger.Info("starting app...")

	router := chi.NewRouter()
	router.Use(middleware.NewStructuredLogger(a.logger))

	// Journal storage: in-memory by default, Postgres when a DSN is given.
	var repository *Repository
	switch backend := getenv("REPO_BACKEND", "mem"); backend {
	case "pg":
		dsn := getenv("DB_DSN", "")
		if dsn == "" {
			return fmt.Errorf("DB_DSN is required for pg backend")
		}
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxIdleConns(5)
		db.SetMaxOpenConns(10)
		if err := db.Ping(); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		repository = NewPGRepository(db)
	case "mem":
		repository = NewRepository()
	default:
		return fmt.Errorf("unsupported REPO_BACKEND=%s", backend)
	}

	keys, closeKeys, err := openKeyStore()
	if err != nil {
		return fmt.Errorf("opening key store: %w", err)
	}
	a.closeKeys = closeKeys

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := NewMetrics(registry)

	codec := NewCodec(a.config, keys)
	a.backend = a.selectBackend()
	a.recovery = NewRecoveryManager(a.logger, codec, a.backend, keys, repository, metrics)

	a.Kernel = NewSimKernel()
	pinpad := NewStaticPinPad()

	a.orchestrator = NewOrchestrator(a.logger, a.config, codec, a.backend, a.Kernel, pinpad, a.recovery, repository, metrics)
	a.Kernel.Bind(a.orchestrator.Submit)

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancelRun = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.orchestrator.Run(runCtx)
	}()

	api := NewAPI(a.orchestrator, a.recovery, repository, a.Kernel, a.config.Currency, a.config.TransactionTimeout)
	api.AppendRoutes(router)

	router.Get("/-/live", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	router.Get("/-/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := repository.Ping(ctx); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	l, err := net.Listen("tcp", a.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening tcp port: %w", err)
	}

	a.Addr = l.Addr().String()

	a.srv = &http.Server{
		Handler: router,
	}

	a.wg.Add(1)
	go func() {
		a.logger.Info("http server started", slog.String("addr", a.Addr))

		if err := a.srv.Serve(l); err != nil {
			if err != http.ErrServerClosed {
				a.logger.Error("starting http server", "err", err)
			}

			a.logger.Info("http server stopped")
		}

		a.wg.Done()
	}()

	return nil
}

// selectBackend picks the transport from config: HTTP, socket, or the mock
// simulation engine when no endpoint is configured.
func (a *App) selectBackend() AuthorizationBackend {
	switch {
	case a.config.BackendURL != "":
		a.logger.Info("using http authorization backend", slog.String("url", a.config.BackendURL))
		return NewHTTPBackend(a.config.BackendURL, a.config.HTTPTimeout)
	case a.config.ISO8583Addr != "":
		a.logger.Info("using iso8583 socket backend",
			slog.String("addr", a.config.ISO8583Addr),
			slog.Bool("framed", a.config.FramedSocket),
		)
		return NewSocketBackend(a.config)
	default:
		a.logger.Info("using mock authorization backend")
		return NewMockBackend()
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func (a *App) Shutdown() {
	a.logger.Info("shutting down app...")

	a.srv.Shutdown(context.Background())

	a.cancelRun()
	a.recovery.Wait()

	if closer, ok := a.backend.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			a.logger.Error("closing backend", "err", err)
		}
	}
	if a.closeKeys != nil {
		a.closeKeys()
	}

	a.wg.Wait()

	a.logger.Info("app stopped")
}
