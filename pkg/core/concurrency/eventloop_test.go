package concurrency

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingLogger struct {
	mu    sync.Mutex
	warns []string
	errs  []string
}

func (l *recordingLogger) Warnf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) Errorf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.warns), len(l.errs)
}

func TestEventLoop_RunsTasksInOrder(t *testing.T) {
	loop := NewEventLoop(EventLoopConfig{Name: "order"})
	defer loop.Close()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	for i := 0; i < 100; i++ {
		i := i
		if err := loop.Execute(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		}); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not run")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestEventLoop_NeverRunsTasksConcurrently(t *testing.T) {
	loop := NewEventLoop(EventLoopConfig{Name: "serial"})
	defer loop.Close()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			loop.Execute(func() {
				defer wg.Done()
				n := atomic.AddInt32(&active, 1)
				if n > atomic.LoadInt32(&maxActive) {
					atomic.StoreInt32(&maxActive, n)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&active, -1)
			})
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("max concurrent tasks = %d, want 1", maxActive)
	}
}

func TestEventLoop_Close(t *testing.T) {
	loop := NewEventLoop(EventLoopConfig{Name: "closing"})
	loop.Close()

	select {
	case <-loop.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit after Close()")
	}

	if err := loop.Execute(func() {}); err != ErrLoopClosed {
		t.Errorf("Execute() after close error = %v, want ErrLoopClosed", err)
	}
	if !loop.IsClosed() {
		t.Error("IsClosed() should be true")
	}
}

func TestEventLoop_NilTask(t *testing.T) {
	loop := NewEventLoop(EventLoopConfig{Name: "nil"})
	defer loop.Close()

	if err := loop.Execute(nil); err == nil {
		t.Error("Execute(nil) should fail")
	}
}

func TestEventLoop_RecoversPanics(t *testing.T) {
	recovered := make(chan interface{}, 1)
	loop := NewEventLoop(EventLoopConfig{
		Name:    "panicky",
		OnPanic: func(r interface{}) { recovered <- r },
	})
	defer loop.Close()

	loop.Execute(func() { panic("boom") })

	select {
	case r := <-recovered:
		if r != "boom" {
			t.Errorf("recovered = %v, want boom", r)
		}
	case <-time.After(time.Second):
		t.Fatal("panic was not reported")
	}

	ran := make(chan struct{})
	loop.Execute(func() { close(ran) })
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("loop stopped after a panicking task")
	}
}

func TestEventLoop_WarnsWhenBlocked(t *testing.T) {
	logger := &recordingLogger{}
	loop := NewEventLoop(EventLoopConfig{
		Name:           "blocked",
		MaxExecuteTime: 10 * time.Millisecond,
		Logger:         logger,
	})
	defer loop.Close()

	done := make(chan struct{})
	loop.Execute(func() {
		time.Sleep(50 * time.Millisecond)
		close(done)
	})
	<-done

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if warns, _ := logger.counts(); warns == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	warns, _ := logger.counts()
	t.Errorf("blocked warnings = %d, want 1", warns)
}
