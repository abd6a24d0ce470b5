package concurrency

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// ErrLoopClosed is returned by Execute once the loop has been closed.
var ErrLoopClosed = errors.New("event loop is closed")

// EventLoopConfig configures an EventLoop.
type EventLoopConfig struct {
	// Name identifies the loop in log output (usually the deployment ID).
	Name string

	// QueueSize bounds the number of pending tasks. Default: 1024.
	QueueSize int

	// MaxExecuteTime is how long a single task may run before the loop is
	// reported as blocked. Zero disables the check.
	MaxExecuteTime time.Duration

	// OnPanic is called on the loop goroutine when a task panics.
	// When nil the panic is logged.
	OnPanic func(recovered interface{})

	Logger Logger
}

// EventLoop runs submitted tasks one at a time, in submission order, on a
// single goroutine. Everything a verticle does through its context goes
// through its loop, so a verticle never observes concurrent callbacks.
type EventLoop struct {
	name       string
	mailbox    *Mailbox[func()]
	maxExecute time.Duration
	onPanic    func(recovered interface{})
	logger     Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEventLoop creates and starts an event loop.
func NewEventLoop(cfg EventLoopConfig) *EventLoop {
	if cfg.Logger == nil {
		cfg.Logger = nopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &EventLoop{
		name:       cfg.Name,
		mailbox:    NewMailbox[func()](cfg.QueueSize),
		maxExecute: cfg.MaxExecuteTime,
		onPanic:    cfg.OnPanic,
		logger:     cfg.Logger,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go l.run()
	return l
}

// Name returns the loop name.
func (l *EventLoop) Name() string { return l.name }

// Execute queues task for execution on the loop.
func (l *EventLoop) Execute(task func()) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	if err := l.mailbox.Send(task); err != nil {
		if errors.Is(err, ErrMailboxClosed) {
			return ErrLoopClosed
		}
		return err
	}
	return nil
}

// Close stops the loop after the task currently running, if any. Queued
// tasks are dropped. Close does not wait; use Done for that.
func (l *EventLoop) Close() {
	l.mailbox.Close()
	l.cancel()
}

// IsClosed reports whether Close has been called.
func (l *EventLoop) IsClosed() bool {
	return l.mailbox.IsClosed()
}

// Done is closed when the loop goroutine has exited.
func (l *EventLoop) Done() <-chan struct{} {
	return l.done
}

// Pending returns the number of queued tasks.
func (l *EventLoop) Pending() int {
	return l.mailbox.Size()
}

func (l *EventLoop) run() {
	defer close(l.done)
	for {
		task, err := l.mailbox.Receive(l.ctx)
		if err != nil {
			return
		}
		l.runTask(task)
	}
}

func (l *EventLoop) runTask(task func()) {
	if l.maxExecute > 0 {
		started := time.Now()
		timer := time.AfterFunc(l.maxExecute, func() {
			l.logger.Warnf("event loop %s blocked for %v, limit is %v", l.name, time.Since(started).Round(time.Millisecond), l.maxExecute)
		})
		defer timer.Stop()
	}

	defer func() {
		if r := recover(); r != nil {
			if l.onPanic != nil {
				l.onPanic(r)
				return
			}
			l.logger.Errorf("event loop %s: task panicked: %v\n%s", l.name, r, debug.Stack())
		}
	}()

	task()
}
