package fluxor

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	natssrv "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/fluxorio/verticle/pkg/config"
	"github.com/fluxorio/verticle/pkg/core"
	"github.com/fluxorio/verticle/pkg/events"
)

type cfgCheckVerticle struct {
	*core.BaseVerticle
}

func (v *cfgCheckVerticle) Start(ctx core.FluxorContext) error {
	if got := ctx.Config()["foo"]; got != "bar" {
		return &core.Error{Code: "CONFIG_MISSING", Message: "expected foo=bar in context config"}
	}
	return nil
}

type asyncCfgCheckVerticle struct {
	*core.BaseVerticle
	seen chan interface{}
}

func (v *asyncCfgCheckVerticle) AsyncStart(ctx core.FluxorContext, startPromise core.Promise) {
	v.seen <- ctx.Config()["foo"]
	startPromise.Complete()
}

func (v *asyncCfgCheckVerticle) AsyncStop(ctx core.FluxorContext, stopPromise core.Promise) {
	stopPromise.Complete()
}

// quietConfig disables every optional component.
func quietConfig() *config.RuntimeConfig {
	cfg := config.Default()
	cfg.Metrics.Enabled = false
	cfg.Inspector.Enabled = false
	cfg.Runtime.ShutdownTimeout = config.Duration(5 * time.Second)
	return cfg
}

func TestMainVerticle_LoadConfig_AndInjectOnDeploy(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	yaml := "runtime:\n  log_level: warn\nmetrics:\n  enabled: false\ninspector:\n  enabled: false\napp:\n  foo: bar\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0600))

	app, err := New(context.Background(), Options{ConfigPath: cfgPath, Logger: core.NewNopLogger()})
	require.NoError(t, err)
	defer app.Stop()

	assert.Equal(t, "warn", app.Config().Runtime.LogLevel)

	id, err := app.DeployVerticle(&cfgCheckVerticle{BaseVerticle: core.NewBaseVerticle("checker")})
	require.NoError(t, err)
	assert.Equal(t, []string{id}, app.DeploymentIDs())

	infos := app.GoCMD().Deployments()
	require.Len(t, infos, 1)
	assert.Equal(t, "checker", infos[0].Verticle)

	async := &asyncCfgCheckVerticle{BaseVerticle: core.NewBaseVerticle("async-checker"), seen: make(chan interface{}, 1)}
	_, err = app.DeployVerticle(async)
	require.NoError(t, err)
	assert.Equal(t, "bar", <-async.seen)
}

func TestMainVerticle_EnvOverrides(t *testing.T) {
	t.Setenv("FLUXORTEST_RUNTIME_WORKER_POOL_SIZE", "3")
	t.Setenv("FLUXORTEST_METRICS_ENABLED", "false")
	t.Setenv("FLUXORTEST_INSPECTOR_ENABLED", "false")

	app, err := New(context.Background(), Options{EnvPrefix: "FLUXORTEST", Logger: core.NewNopLogger()})
	require.NoError(t, err)
	defer app.Stop()

	assert.Equal(t, 3, app.Config().Runtime.WorkerPoolSize)
	assert.Nil(t, app.Metrics())
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := quietConfig()
	cfg.Runtime.LogLevel = "loud"
	_, err := New(context.Background(), Options{Config: cfg})
	assert.Error(t, err)

	cfg = quietConfig()
	cfg.Events.Enabled = true
	cfg.Events.URL = "nats://127.0.0.1:1"
	_, err = New(context.Background(), Options{Config: cfg, Logger: core.NewNopLogger()})
	assert.Error(t, err)
}

func runTestNATSServer(t *testing.T) *natssrv.Server {
	t.Helper()
	s, err := natssrv.NewServer(&natssrv.Options{Port: -1})
	require.NoError(t, err)
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		t.Fatalf("nats server not ready")
	}
	t.Cleanup(s.Shutdown)
	return s
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestMainVerticle_StartWiresComponents(t *testing.T) {
	s := runTestNATSServer(t)
	nc, err := nats.Connect(s.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	var mu sync.Mutex
	var streamed []events.Event
	_, err = events.Subscribe(nc, "app", func(ev events.Event) {
		mu.Lock()
		streamed = append(streamed, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	cfg := config.Default()
	cfg.Runtime.ShutdownTimeout = config.Duration(5 * time.Second)
	cfg.Inspector.Addr = "127.0.0.1:0"
	cfg.HTTP.Enabled = true
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Database.Enabled = true
	cfg.Database.Driver = "sqlite3"
	cfg.Database.DSN = "file:fluxor_main?mode=memory&cache=shared"
	cfg.Events.Enabled = true
	cfg.Events.URL = s.ClientURL()
	cfg.Events.Prefix = "app"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	cfg.Journal.Enabled = true
	cfg.Journal.Dir = t.TempDir()

	traces := &syncBuffer{}
	app, err := New(context.Background(), Options{Config: cfg, Logger: core.NewNopLogger(), TraceOutput: traces})
	require.NoError(t, err)

	require.NoError(t, app.Start())
	assert.Equal(t, 3, app.GoCMD().DeploymentCount())
	assert.Equal(t, 3.0, testutil.ToFloat64(app.Metrics().VerticlesDeployed))

	_, err = app.Database().Pool()
	require.NoError(t, err)

	status, body, err := fasthttp.GetTimeout(nil, "http://"+app.HTTP().Addr()+"/", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, fasthttp.StatusOK, status)
	assert.Equal(t, "Hello from Fluxor!", string(body))

	resp, err := http.Get("http://" + app.Inspector().Addr() + "/metrics")
	require.NoError(t, err)
	metrics, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "fluxor_verticle_count 3")
	assert.Contains(t, string(metrics), "fluxor_http_requests_total")

	history, err := app.Journal().History(app.Inspector().DeploymentID())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, core.DeploymentStateDeployed, history[1].To)

	require.NoError(t, app.Stop())
	require.NoError(t, app.Stop())
	assert.Equal(t, 0, app.GoCMD().DeploymentCount())

	// 3 verticles, 4 transitions each
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(streamed) == 12
	}, 2*time.Second, 10*time.Millisecond)

	assert.Contains(t, traces.String(), "verticle.start")
	assert.Contains(t, traces.String(), "verticle.stop")
}

func TestMainVerticle_StartFailure(t *testing.T) {
	cfg := quietConfig()
	cfg.Database.Enabled = true
	cfg.Database.Driver = "sqlite3"
	cfg.Database.DSN = "file:" + filepath.Join(t.TempDir(), "missing", "db.sqlite") + "?mode=ro"

	app, err := New(context.Background(), Options{Config: cfg, Logger: core.NewNopLogger()})
	require.NoError(t, err)
	defer app.Stop()

	err = app.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deploy database")

	infos := app.GoCMD().Deployments()
	require.Len(t, infos, 1)
	assert.Equal(t, core.DeploymentStateFailed, infos[0].State)
}

func TestMainVerticle_RunStopsOnContextCancel(t *testing.T) {
	app, err := New(context.Background(), Options{Config: quietConfig(), Logger: core.NewNopLogger()})
	require.NoError(t, err)

	_, err = app.DeployVerticle(&core.VerticleFuncs{VerticleName: "worker"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 0, app.GoCMD().DeploymentCount())
}
