// Package fluxor bootstraps a GoCMD runtime from a RuntimeConfig.
//
//	app, err := fluxor.NewMainVerticle("config.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	app.DeployVerticle(&MyVerticle{})
//	log.Fatal(app.Run(context.Background()))
package fluxor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/multierr"

	"github.com/fluxorio/verticle/pkg/config"
	"github.com/fluxorio/verticle/pkg/core"
	"github.com/fluxorio/verticle/pkg/db"
	"github.com/fluxorio/verticle/pkg/events"
	"github.com/fluxorio/verticle/pkg/inspector"
	"github.com/fluxorio/verticle/pkg/journal"
	fluxorprom "github.com/fluxorio/verticle/pkg/observability/prometheus"
	fluxorotel "github.com/fluxorio/verticle/pkg/observability/otel"
	"github.com/fluxorio/verticle/pkg/web"
)

// Options configures New. Everything is optional.
type Options struct {
	// ConfigPath is a JSON or YAML file overlaid on config.Default().
	ConfigPath string

	// EnvPrefix selects environment overrides; default config.EnvPrefix.
	EnvPrefix string

	// Config is used as-is instead of loading ConfigPath.
	Config *config.RuntimeConfig

	// Logger overrides the zap logger built from Runtime.LogLevel.
	Logger core.Logger

	// Registry receives the deployment metrics; default is a fresh registry.
	Registry *prometheus.Registry

	// TraceOutput receives spans for the "stdout" exporter.
	TraceOutput io.Writer

	// Router is served by the HTTP verticle when http.enabled is set.
	Router *web.Router
}

// MainVerticle is a convenience bootstrapper for "main-like" applications:
// load config, wire listeners, deploy verticles, block until shutdown.
type MainVerticle struct {
	cfg    *config.RuntimeConfig
	logger core.Logger
	gocmd  core.GoCMD
	router *web.Router

	metrics   *fluxorprom.Metrics
	publisher *events.Publisher
	tracing   *sdktrace.TracerProvider
	journal   *journal.Journal

	inspector *inspector.Inspector
	http      *web.HTTPVerticle
	database  *db.DatabaseVerticle

	mu            sync.Mutex
	deploymentIDs []string

	stopOnce sync.Once
	stopErr  error
}

// NewMainVerticle loads configuration from configPath (empty means
// defaults plus environment) and creates the runtime.
func NewMainVerticle(configPath string) (*MainVerticle, error) {
	return New(context.Background(), Options{ConfigPath: configPath})
}

// New creates the runtime and its listeners. Nothing is deployed until
// Start, DeployVerticle or Run.
func New(ctx context.Context, opts Options) (m *MainVerticle, err error) {
	cfg := opts.Config
	if cfg == nil {
		prefix := opts.EnvPrefix
		if prefix == "" {
			prefix = config.EnvPrefix
		}
		if cfg, err = config.LoadRuntimeConfig(opts.ConfigPath, prefix); err != nil {
			return nil, err
		}
	} else if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		if logger, err = core.NewZapLogger(cfg.Runtime.LogLevel); err != nil {
			return nil, err
		}
	}

	m = &MainVerticle{cfg: cfg, logger: logger, router: opts.Router}
	defer func() {
		if err != nil {
			_ = m.closeListeners(context.Background())
		}
	}()

	var listeners []core.DeploymentListener
	if cfg.Metrics.Enabled {
		registry := opts.Registry
		if registry == nil {
			registry = prometheus.NewRegistry()
		}
		m.metrics = fluxorprom.NewMetrics(registry, cfg.Metrics.Namespace)
		listeners = append(listeners, m.metrics)
	}
	if cfg.Tracing.Enabled {
		tc := fluxorotel.FromTracing(cfg.Tracing)
		if m.tracing, err = fluxorotel.NewTracerProvider(ctx, tc, opts.TraceOutput); err != nil {
			return nil, err
		}
		listeners = append(listeners, fluxorotel.NewLifecycleTracer(m.tracing.Tracer(fluxorotel.InstrumentationName)))
	}
	if cfg.Events.Enabled {
		m.publisher, err = events.Connect(events.Config{
			URL:    cfg.Events.URL,
			Prefix: cfg.Events.Prefix,
			Name:   cfg.Events.Name,
		}, logger)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, m.publisher)
	}
	if cfg.Journal.Enabled {
		m.journal, err = journal.Open(journal.Config{
			Dir:             cfg.Journal.Dir,
			MaxSegmentBytes: cfg.Journal.MaxSegmentBytes,
			Fsync:           cfg.Journal.Fsync,
		}, logger)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, m.journal)
	}

	m.gocmd, err = core.NewGoCMDWithOptions(ctx, core.GoCMDOptions{
		Logger:             logger,
		StartTimeout:       cfg.Runtime.StartTimeout.Std(),
		StopTimeout:        cfg.Runtime.StopTimeout.Std(),
		WorkerPoolSize:     cfg.Runtime.WorkerPoolSize,
		WorkerQueueSize:    cfg.Runtime.WorkerQueueSize,
		LoopQueueSize:      cfg.Runtime.LoopQueueSize,
		MaxLoopExecuteTime: cfg.Runtime.MaxLoopExecuteTime.Std(),
		Listeners:          listeners,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GoCMD returns the underlying runtime (advanced usage).
func (m *MainVerticle) GoCMD() core.GoCMD { return m.gocmd }

// Config returns the loaded configuration (read-only by convention).
func (m *MainVerticle) Config() *config.RuntimeConfig { return m.cfg }

func (m *MainVerticle) Logger() core.Logger { return m.logger }

// Metrics returns the deployment metrics, or nil when disabled.
func (m *MainVerticle) Metrics() *fluxorprom.Metrics { return m.metrics }

// Journal returns the deployment journal, or nil when disabled.
func (m *MainVerticle) Journal() *journal.Journal { return m.journal }

// Inspector returns the inspector verticle once Start deployed it.
func (m *MainVerticle) Inspector() *inspector.Inspector { return m.inspector }

// HTTP returns the HTTP verticle once Start deployed it.
func (m *MainVerticle) HTTP() *web.HTTPVerticle { return m.http }

// Database returns the database verticle once Start deployed it.
func (m *MainVerticle) Database() *db.DatabaseVerticle { return m.database }

// DeployVerticle deploys v with the app section of the configuration
// injected into its FluxorContext, and waits for the start to settle.
func (m *MainVerticle) DeployVerticle(v core.Verticle) (string, error) {
	if err := core.ValidateVerticle(v); err != nil {
		return "", err
	}

	id, err := m.gocmd.DeployVerticle(context.Background(), withConfig(v, m.cfg.App))
	if err != nil {
		return id, err
	}

	m.mu.Lock()
	m.deploymentIDs = append(m.deploymentIDs, id)
	m.mu.Unlock()
	return id, nil
}

// DeploymentIDs returns the IDs deployed through DeployVerticle, in order.
func (m *MainVerticle) DeploymentIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deploymentIDs...)
}

// Start deploys the verticles enabled in the configuration: the database
// first so HTTP handlers can rely on it, then HTTP, then the inspector.
func (m *MainVerticle) Start() error {
	if c := m.cfg.Database; c.Enabled {
		pool := db.DefaultPoolConfig(c.Driver, c.DSN)
		pool.MaxOpenConns = c.MaxOpenConns
		pool.MaxIdleConns = c.MaxIdleConns
		pool.ConnMaxLifetime = c.ConnMaxLifetime.Std()
		pool.ConnMaxIdleTime = c.ConnMaxIdleTime.Std()
		m.database = db.NewDatabaseVerticle(pool)
		if _, err := m.DeployVerticle(m.database); err != nil {
			return fmt.Errorf("deploy database: %w", err)
		}
	}
	if c := m.cfg.HTTP; c.Enabled {
		hc := web.DefaultConfig(c.Addr)
		hc.ReadTimeout = c.ReadTimeout.Std()
		hc.WriteTimeout = c.WriteTimeout.Std()
		if m.metrics != nil {
			hc.Wrap = append(hc.Wrap, fluxorprom.FastHTTPMiddleware(m.metrics))
		}
		m.http = web.NewHTTPVerticle(hc, m.router)
		if _, err := m.DeployVerticle(m.http); err != nil {
			return fmt.Errorf("deploy http: %w", err)
		}
	}
	if c := m.cfg.Inspector; c.Enabled {
		ic := inspector.Config{Addr: c.Addr}
		if m.metrics != nil {
			ic.Metrics = m.metrics.Handler()
		}
		if m.journal != nil {
			ic.History = m.journal
		}
		m.inspector = inspector.New(ic)
		if _, err := m.DeployVerticle(m.inspector); err != nil {
			return fmt.Errorf("deploy inspector: %w", err)
		}
	}
	return nil
}

// Run starts the configured verticles and blocks until SIGINT, SIGTERM or
// ctx cancellation, then stops the app.
func (m *MainVerticle) Run(ctx context.Context) error {
	if err := m.Start(); err != nil {
		return multierr.Append(err, m.Stop())
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m.logger.Infof("fluxor running with %d deployment(s)", m.gocmd.DeploymentCount())
	<-ctx.Done()
	m.logger.Info("shutting down")
	return m.Stop()
}

// Stop shuts the runtime down within Runtime.ShutdownTimeout, then flushes
// the listeners. It is safe to call more than once.
func (m *MainVerticle) Stop() error {
	m.stopOnce.Do(func() {
		ctx := context.Background()
		if d := m.cfg.Runtime.ShutdownTimeout.Std(); d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		m.stopErr = multierr.Append(m.gocmd.Shutdown(ctx), m.closeListeners(ctx))
	})
	return m.stopErr
}

func (m *MainVerticle) closeListeners(ctx context.Context) error {
	var err error
	if m.publisher != nil {
		err = multierr.Append(err, m.publisher.Close())
	}
	if m.tracing != nil {
		err = multierr.Append(err, m.tracing.Shutdown(ctx))
	}
	if m.journal != nil {
		err = multierr.Append(err, m.journal.Close())
	}
	return err
}
