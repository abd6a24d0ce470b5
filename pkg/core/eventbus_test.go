package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type order struct {
	ID    string `json:"id"`
	Total int    `json:"total"`
}

func TestEventBus_PublishReachesEveryConsumer(t *testing.T) {
	g := newTestGoCMD(t, GoCMDOptions{})
	_, a := deployCapture(t, g)
	_, b := deployCapture(t, g)

	got := make(chan string, 2)
	for _, ctx := range []FluxorContext{a, b} {
		_, err := g.EventBus().Consumer(ctx, "orders.created", func(ctx FluxorContext, msg Message) error {
			got <- ctx.DeploymentID()
			return nil
		})
		if err != nil {
			t.Fatalf("Consumer() error = %v", err)
		}
	}

	if err := g.EventBus().Publish("orders.created", order{ID: "o-1"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-got:
			seen[id] = true
		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
	}
	if !seen[a.DeploymentID()] || !seen[b.DeploymentID()] {
		t.Errorf("delivered to %v, want both deployments", seen)
	}
}

func TestEventBus_SendRoundRobin(t *testing.T) {
	g := newTestGoCMD(t, GoCMDOptions{})
	_, ctx := deployCapture(t, g)

	var first, second atomic.Int32
	done := make(chan struct{}, 4)
	handler := func(counter *atomic.Int32) MessageHandler {
		return func(FluxorContext, Message) error {
			counter.Add(1)
			done <- struct{}{}
			return nil
		}
	}
	if _, err := g.EventBus().Consumer(ctx, "work", handler(&first)); err != nil {
		t.Fatalf("Consumer() error = %v", err)
	}
	if _, err := g.EventBus().Consumer(ctx, "work", handler(&second)); err != nil {
		t.Fatalf("Consumer() error = %v", err)
	}

	for i := 0; i < 4; i++ {
		if err := g.EventBus().Send("work", i); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}
	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
	}
	if first.Load() != 2 || second.Load() != 2 {
		t.Errorf("deliveries = %d/%d, want 2/2", first.Load(), second.Load())
	}
}

func TestEventBus_SendWithoutHandlers(t *testing.T) {
	g := newTestGoCMD(t, GoCMDOptions{})

	if err := g.EventBus().Send("nobody.home", "hi"); !errors.Is(err, ErrNoHandlers) {
		t.Errorf("Send() error = %v, want ErrNoHandlers", err)
	}
	// publishing to nobody is not an error
	if err := g.EventBus().Publish("nobody.home", "hi"); err != nil {
		t.Errorf("Publish() error = %v", err)
	}
}

func TestEventBus_Validation(t *testing.T) {
	g := newTestGoCMD(t, GoCMDOptions{})
	_, ctx := deployCapture(t, g)
	bus := g.EventBus()

	if err := bus.Publish("", "x"); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("Publish(\"\") error = %v, want ErrInvalidAddress", err)
	}
	if err := bus.Send("addr", nil); !errors.Is(err, ErrInvalidBody) {
		t.Errorf("Send(nil body) error = %v, want ErrInvalidBody", err)
	}
	if _, err := bus.Consumer(ctx, "addr", nil); !errors.Is(err, ErrInvalidHandler) {
		t.Errorf("Consumer(nil handler) error = %v, want ErrInvalidHandler", err)
	}
}

func TestEventBus_Request(t *testing.T) {
	g := newTestGoCMD(t, GoCMDOptions{})
	_, ctx := deployCapture(t, g)
	bus := g.EventBus()

	_, err := bus.Consumer(ctx, "orders.total", func(ctx FluxorContext, msg Message) error {
		var o order
		if err := msg.DecodeBody(&o); err != nil {
			return err
		}
		return msg.Reply(o.Total * 2)
	})
	if err != nil {
		t.Fatalf("Consumer() error = %v", err)
	}

	reqCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := bus.Request(reqCtx, "orders.total", []byte(`{"id":"o-1","total":21}`))
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if reply.Body() != 42 {
		t.Errorf("reply body = %v, want 42", reply.Body())
	}
}

func TestEventBus_RequestHandlerError(t *testing.T) {
	g := newTestGoCMD(t, GoCMDOptions{})
	_, ctx := deployCapture(t, g)
	bus := g.EventBus()

	_, err := bus.Consumer(ctx, "always.fails", func(FluxorContext, Message) error {
		return errBoom
	})
	if err != nil {
		t.Fatalf("Consumer() error = %v", err)
	}

	reqCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = bus.Request(reqCtx, "always.fails", "x")
	var replyErr *ReplyError
	if !errors.As(err, &replyErr) {
		t.Fatalf("Request() error = %v, want a ReplyError", err)
	}
}

func TestEventBus_NoDeliveryAfterUndeploy(t *testing.T) {
	g := newTestGoCMD(t, GoCMDOptions{})
	id, ctx := deployCapture(t, g)

	var delivered atomic.Int32
	c, err := g.EventBus().Consumer(ctx, "ticks", func(FluxorContext, Message) error {
		delivered.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Consumer() error = %v", err)
	}

	if err := g.UndeployVerticle(context.Background(), id); err != nil {
		t.Fatalf("UndeployVerticle() error = %v", err)
	}
	if c.IsRegistered() {
		t.Error("consumer should be unregistered with its deployment")
	}

	_ = g.EventBus().Publish("ticks", 1)
	time.Sleep(20 * time.Millisecond)
	if delivered.Load() != 0 {
		t.Errorf("%d messages delivered after undeploy", delivered.Load())
	}
	if _, err := g.EventBus().Consumer(ctx, "ticks", func(FluxorContext, Message) error { return nil }); !errors.Is(err, ErrContextClosed) {
		t.Errorf("Consumer() on stopped deployment error = %v, want ErrContextClosed", err)
	}
}

func TestEventBus_Unregister(t *testing.T) {
	g := newTestGoCMD(t, GoCMDOptions{})
	_, ctx := deployCapture(t, g)

	c, err := g.EventBus().Consumer(ctx, "once", func(FluxorContext, Message) error { return nil })
	if err != nil {
		t.Fatalf("Consumer() error = %v", err)
	}
	if c.Address() != "once" {
		t.Errorf("Address() = %s", c.Address())
	}
	if err := c.Unregister(); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	if err := c.Unregister(); err != nil {
		t.Errorf("second Unregister() error = %v", err)
	}
	if err := g.EventBus().Send("once", "x"); !errors.Is(err, ErrNoHandlers) {
		t.Errorf("Send() after Unregister error = %v, want ErrNoHandlers", err)
	}
}

func TestEventBus_Close(t *testing.T) {
	g := newTestGoCMD(t, GoCMDOptions{})
	bus := g.EventBus()

	if err := bus.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := bus.Publish("addr", "x"); !errors.Is(err, ErrEventBusClosed) {
		t.Errorf("Publish() after Close error = %v, want ErrEventBusClosed", err)
	}
}

func TestMessage_DecodeBody(t *testing.T) {
	msg := newMessage("a", order{ID: "o-2", Total: 3}, nil)
	var o order
	if err := msg.DecodeBody(&o); err != nil {
		t.Fatalf("DecodeBody() error = %v", err)
	}
	if o.ID != "o-2" || o.Total != 3 {
		t.Errorf("decoded %+v", o)
	}
	if err := msg.Reply("x"); !errors.Is(err, ErrNoReplyAddress) {
		t.Errorf("Reply() on a sent message error = %v, want ErrNoReplyAddress", err)
	}
}

func TestEventBus_RequestFailsWhenConsumerStops(t *testing.T) {
	g := newTestGoCMD(t, GoCMDOptions{StopTimeout: 100 * time.Millisecond})
	id, ctx := deployCapture(t, g)

	unblock := make(chan struct{})
	defer close(unblock)
	var calls atomic.Int32
	_, err := g.EventBus().Consumer(ctx, "slow", func(_ FluxorContext, msg Message) error {
		if calls.Add(1) == 1 {
			<-unblock
		}
		return msg.Reply("done")
	})
	if err != nil {
		t.Fatalf("Consumer() error = %v", err)
	}

	// the first request occupies the loop, the second waits in its queue
	go func() { _, _ = g.EventBus().Request(context.Background(), "slow", 1) }()
	for calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	queued := make(chan error, 1)
	go func() {
		_, err := g.EventBus().Request(context.Background(), "slow", 2)
		queued <- err
	}()
	time.Sleep(20 * time.Millisecond)

	// the stop hook cannot run behind the blocked handler and times out
	if err := g.UndeployVerticle(context.Background(), id); !errors.Is(err, ErrPhaseTimeout) {
		t.Fatalf("UndeployVerticle() error = %v, want ErrPhaseTimeout", err)
	}

	select {
	case err := <-queued:
		if !errors.Is(err, ErrContextClosed) {
			t.Errorf("Request() error = %v, want ErrContextClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Request() did not return after its consumer stopped")
	}
}

func TestEventBus_NoConsumerFromStopHook(t *testing.T) {
	g := newTestGoCMD(t, GoCMDOptions{})

	registered := make(chan error, 1)
	id, err := g.DeployVerticle(context.Background(), &VerticleFuncs{
		VerticleName: "late-consumer",
		OnStop: func(ctx FluxorContext) error {
			_, err := ctx.EventBus().Consumer(ctx, "late", func(FluxorContext, Message) error { return nil })
			registered <- err
			return nil
		},
	})
	if err != nil {
		t.Fatalf("DeployVerticle() error = %v", err)
	}
	if err := g.UndeployVerticle(context.Background(), id); err != nil {
		t.Fatalf("UndeployVerticle() error = %v", err)
	}

	if err := <-registered; !errors.Is(err, ErrContextClosed) {
		t.Errorf("Consumer() in stop hook error = %v, want ErrContextClosed", err)
	}
	if err := g.EventBus().Send("late", 1); !errors.Is(err, ErrNoHandlers) {
		t.Errorf("Send() error = %v, want ErrNoHandlers", err)
	}
}
