// Package inspector serves a read-only view of the runtime over HTTP.
//
//	GET /deployments  snapshot of every known deployment
//	GET /health       200 while the runtime accepts deployments
//	GET /history?id=  journaled transitions of one deployment, when configured
//	GET /metrics      Prometheus exposition, when a handler is configured
//	GET /ws           live stream of deployment transitions
package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxorio/verticle/pkg/core"
	"github.com/fluxorio/verticle/pkg/events"
)

// Config configures an Inspector.
type Config struct {
	Addr string

	// Metrics is mounted on /metrics when non-nil.
	Metrics http.Handler

	// History backs /history when non-nil.
	History HistorySource

	// ClientBuffer is the number of events queued per websocket client
	// before events are dropped for that client.
	ClientBuffer int

	ShutdownTimeout time.Duration
}

// HistorySource returns the recorded transitions of a deployment.
type HistorySource interface {
	History(deploymentID string) ([]events.Event, error)
}

// DeploymentView is the JSON form of core.DeploymentInfo.
type DeploymentView struct {
	ID       string               `json:"id"`
	Verticle string               `json:"verticle"`
	State    core.DeploymentState `json:"state"`
	Cause    string               `json:"cause,omitempty"`
	Since    time.Time            `json:"since"`
}

func viewOf(info core.DeploymentInfo) DeploymentView {
	v := DeploymentView{
		ID:       info.ID,
		Verticle: info.Verticle,
		State:    info.State,
		Since:    info.Since.UTC(),
	}
	if info.Cause != nil {
		v.Cause = info.Cause.Error()
	}
	return v
}

// Inspector is an AsyncVerticle exposing runtime state.
//
// It registers itself as a deployment listener on first start so the
// websocket stream sees every transition in the runtime, including its own.
type Inspector struct {
	*core.BaseVerticle

	config   Config
	upgrader websocket.Upgrader
	hub      *hub
	listen   sync.Once

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	served   chan error
}

// New creates an Inspector.
func New(config Config) *Inspector {
	if config.Addr == "" {
		config.Addr = ":9090"
	}
	if config.ClientBuffer <= 0 {
		config.ClientBuffer = 64
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}
	return &Inspector{
		BaseVerticle: core.NewBaseVerticle("inspector"),
		config:       config,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		hub: newHub(config.ClientBuffer),
	}
}

// OnDeploymentEvent implements core.DeploymentListener.
func (i *Inspector) OnDeploymentEvent(ev core.DeploymentEvent) {
	i.hub.broadcast(events.FromDeploymentEvent(ev))
}

func (i *Inspector) handler(ctx core.FluxorContext) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/deployments", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		infos := ctx.GoCMD().Deployments()
		views := make([]DeploymentView, 0, len(infos))
		for _, info := range infos {
			views = append(views, viewOf(info))
		}
		writeJSON(w, http.StatusOK, views)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if ctx.Context().Err() != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopping"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"deployed": ctx.GoCMD().DeploymentCount(),
		})
	})
	if i.config.Metrics != nil {
		mux.Handle("/metrics", i.config.Metrics)
	}
	if i.config.History != nil {
		mux.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
			id := r.URL.Query().Get("id")
			if err := core.ValidateDeploymentID(id); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			history, err := i.config.History.History(id)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			if history == nil {
				history = []events.Event{}
			}
			writeJSON(w, http.StatusOK, history)
		})
	}
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		i.serveStream(ctx, w, r)
	})
	return mux
}

func (i *Inspector) serveStream(ctx core.FluxorContext, w http.ResponseWriter, r *http.Request) {
	conn, err := i.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ctx.Logger().Warnf("inspector websocket upgrade failed: %v", err)
		return
	}
	c := i.hub.add(conn)
	defer i.hub.remove(c)

	// the reader only notices the peer going away
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				c.close()
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					ctx.Logger().Debugf("inspector websocket write failed: %v", err)
				}
				return
			}
		case <-c.done:
			return
		}
	}
}

func (i *Inspector) AsyncStart(ctx core.FluxorContext, startPromise core.Promise) {
	i.listen.Do(func() { ctx.GoCMD().AddListener(i) })

	server := &http.Server{
		Handler:           i.handler(ctx),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx.ExecuteBlocking(func(c context.Context) error {
		ln, err := net.Listen("tcp", i.config.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", i.config.Addr, err)
		}
		served := make(chan error, 1)
		i.mu.Lock()
		i.server, i.listener, i.served = server, ln, served
		i.mu.Unlock()

		go func() {
			if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				served <- err
				return
			}
			served <- nil
		}()

		// a deployment that never reaches AsyncStop closes with its context
		context.AfterFunc(c, func() {
			if err := i.release(server); err != nil {
				ctx.Logger().Warnf("inspector on %s: %v", ln.Addr(), err)
			}
		})
		return nil
	}).OnComplete(func(err error) {
		if err != nil {
			startPromise.Fail(err)
			return
		}
		if err := ctx.Context().Err(); err != nil {
			startPromise.Fail(fmt.Errorf("inspector abandoned: %w", core.ErrContextClosed))
			return
		}
		ctx.Logger().Infof("inspector listening on %s", i.Addr())
		startPromise.Complete()
	})
}

func (i *Inspector) AsyncStop(ctx core.FluxorContext, stopPromise core.Promise) {
	i.mu.Lock()
	server := i.server
	i.mu.Unlock()
	if server == nil {
		stopPromise.Complete()
		return
	}

	ctx.ExecuteBlocking(func(context.Context) error {
		return i.release(server)
	}).OnComplete(func(err error) {
		if err != nil {
			stopPromise.Fail(err)
			return
		}
		stopPromise.Complete()
	})
}

// release closes the stream clients and shuts server down, once.
func (i *Inspector) release(server *http.Server) error {
	i.mu.Lock()
	if i.server != server {
		i.mu.Unlock()
		return nil
	}
	served := i.served
	i.server, i.listener, i.served = nil, nil, nil
	i.mu.Unlock()

	// hijacked websocket connections are not tracked by Shutdown
	i.hub.closeAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), i.config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown inspector: %w", err)
	}
	return <-served
}

// Addr returns the bound address, or the configured one when not serving.
func (i *Inspector) Addr() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.listener != nil {
		return i.listener.Addr().String()
	}
	return i.config.Addr
}

// Clients returns the number of connected websocket clients.
func (i *Inspector) Clients() int {
	return i.hub.len()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
