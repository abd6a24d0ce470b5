package core

import (
	"context"
	"errors"
	"testing"
	"time"
)

// captureVerticle keeps the context it was started with
type captureVerticle struct {
	BaseVerticle
}

func deployCapture(t *testing.T, g *gocmd) (string, FluxorContext) {
	t.Helper()
	v := &captureVerticle{}
	id, err := g.DeployVerticle(context.Background(), v)
	if err != nil {
		t.Fatalf("DeployVerticle() error = %v", err)
	}
	return id, v.Context()
}

func TestFluxorContext_Accessors(t *testing.T) {
	g := newTestGoCMD(t, GoCMDOptions{})
	id, ctx := deployCapture(t, g)

	if ctx == nil {
		t.Fatal("Init should have received the context")
	}
	if ctx.DeploymentID() != id {
		t.Errorf("DeploymentID() = %s, want %s", ctx.DeploymentID(), id)
	}
	if ctx.GoCMD() != GoCMD(g) {
		t.Error("GoCMD() should return the deploying runtime")
	}
	if ctx.EventBus() != g.EventBus() {
		t.Error("EventBus() should return the runtime bus")
	}
	if ctx.Logger() == nil {
		t.Error("Logger() should not be nil")
	}
}

func TestFluxorContext_Config(t *testing.T) {
	g := newTestGoCMD(t, GoCMDOptions{})
	_, ctx := deployCapture(t, g)

	ctx.SetConfig("port", 8080)
	cfg := ctx.Config()
	if cfg["port"] != 8080 {
		t.Errorf("Config()[port] = %v, want 8080", cfg["port"])
	}

	cfg["port"] = 1
	if ctx.Config()["port"] != 8080 {
		t.Error("Config() should return a copy")
	}
}

func TestFluxorContext_CancelledOnUndeploy(t *testing.T) {
	g := newTestGoCMD(t, GoCMDOptions{})
	id, ctx := deployCapture(t, g)

	if ctx.Context().Err() != nil {
		t.Fatal("context should be live while deployed")
	}
	if err := g.UndeployVerticle(context.Background(), id); err != nil {
		t.Fatalf("UndeployVerticle() error = %v", err)
	}
	if ctx.Context().Err() == nil {
		t.Error("context should be cancelled after undeploy")
	}
	if err := ctx.RunOnContext(func() {}); !errors.Is(err, ErrContextClosed) {
		t.Errorf("RunOnContext() after undeploy error = %v, want ErrContextClosed", err)
	}
}

func TestFluxorContext_RunOnContext(t *testing.T) {
	g := newTestGoCMD(t, GoCMDOptions{})
	_, ctx := deployCapture(t, g)

	done := make(chan struct{})
	if err := ctx.RunOnContext(func() { close(done) }); err != nil {
		t.Fatalf("RunOnContext() error = %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}

	if err := ctx.RunOnContext(nil); !errors.Is(err, ErrInvalidHandler) {
		t.Errorf("RunOnContext(nil) error = %v, want ErrInvalidHandler", err)
	}
}

func TestFluxorContext_ExecuteBlocking(t *testing.T) {
	g := newTestGoCMD(t, GoCMDOptions{})
	_, ctx := deployCapture(t, g)

	f := ctx.ExecuteBlocking(func(c context.Context) error {
		if c.Err() != nil {
			return c.Err()
		}
		time.Sleep(10 * time.Millisecond)
		return nil
	})
	if err := f.Await(context.Background()); err != nil {
		t.Errorf("ExecuteBlocking() error = %v", err)
	}

	f = ctx.ExecuteBlocking(func(context.Context) error { return errBoom })
	if err := f.Await(context.Background()); !errors.Is(err, errBoom) {
		t.Errorf("ExecuteBlocking() error = %v, want errBoom", err)
	}

	f = ctx.ExecuteBlocking(func(context.Context) error { panic("blocking") })
	if err := f.Await(context.Background()); err == nil {
		t.Error("a panicking blocking task should fail its future")
	}
}

// blockingStartVerticle completes its start promise from a worker
type blockingStartVerticle struct {
	BaseVerticle
	ready chan struct{}
}

func (v *blockingStartVerticle) AsyncStart(ctx FluxorContext, startPromise Promise) {
	ctx.ExecuteBlocking(func(context.Context) error {
		<-v.ready
		return nil
	}).OnComplete(func(err error) {
		if err != nil {
			startPromise.Fail(err)
			return
		}
		startPromise.Complete()
	})
}

func (v *blockingStartVerticle) AsyncStop(ctx FluxorContext, stopPromise Promise) {
	stopPromise.Complete()
}

func TestFluxorContext_ExecuteBlockingDuringStart(t *testing.T) {
	g := newTestGoCMD(t, GoCMDOptions{})
	v := &blockingStartVerticle{ready: make(chan struct{})}

	id, f := g.DeployVerticleAsync(v)
	time.Sleep(10 * time.Millisecond)
	if state, _ := g.State(id); state != DeploymentStateStarting {
		t.Fatalf("state = %v, want starting", state)
	}
	close(v.ready)
	if err := f.Await(context.Background()); err != nil {
		t.Fatalf("deploy future error = %v", err)
	}
}

func TestFluxorContext_DeployChild(t *testing.T) {
	g := newTestGoCMD(t, GoCMDOptions{})
	_, ctx := deployCapture(t, g)

	child := &testVerticle{}
	childID, f := ctx.Deploy(child)
	if err := f.Await(context.Background()); err != nil {
		t.Fatalf("child deploy error = %v", err)
	}
	if !child.isStarted() {
		t.Error("child should be started")
	}
	if err := ctx.Undeploy(childID).Await(context.Background()); err != nil {
		t.Fatalf("child undeploy error = %v", err)
	}
	if !child.isStopped() {
		t.Error("child should be stopped")
	}
}
