package supervisor

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	logx "defectbot/pkg/logx"
)

func TestExecutorAttached(t *testing.T) {
	sup := NewSupervisor(context.Background())
	defer sup.Cancel()

	ex := NewExecutor(logx.Nop())
	ex.Attach(sup)

	got := make(chan context.Context, 1)
	mode, err := ex.Submit("work", func(ctx context.Context) { got <- ctx })
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if mode != ModeAttached {
		t.Fatalf("mode = %v, want attached", mode)
	}
	select {
	case ctx := <-got:
		if ctx != sup.Context() {
			t.Fatalf("work should run under the attached supervisor context")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("work did not run")
	}
}

func TestExecutorAuxiliaryWhenDetachedOrStopped(t *testing.T) {
	ex := NewExecutor(logx.Nop())

	mode, err := ex.Submit("no-sup", func(ctx context.Context) {})
	if err != nil || mode != ModeAuxiliary {
		t.Fatalf("no supervisor: mode=%v err=%v", mode, err)
	}

	sup := NewSupervisor(context.Background())
	ex.Attach(sup)
	sup.Cancel()
	mode, err = ex.Submit("stopped-sup", func(ctx context.Context) {})
	if err != nil || mode != ModeAuxiliary {
		t.Fatalf("stopped supervisor: mode=%v err=%v", mode, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ex.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func TestExecutorSubmitDoesNotBlock(t *testing.T) {
	ex := NewExecutor(logx.Nop())
	release := make(chan struct{})
	start := time.Now()
	if _, err := ex.Submit("slow", func(ctx context.Context) { <-release }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("Submit blocked on the work")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := ex.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Drain should time out while work is blocked, got %v", err)
	}
	close(release)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	if err := ex.Drain(ctx2); err != nil {
		t.Fatalf("Drain after release: %v", err)
	}
}

func TestExecutorSchedulingFailure(t *testing.T) {
	ex := NewExecutor(logx.Nop(), WithAuxFactory(func(_ logx.Logger) (*Supervisor, error) {
		return nil, errors.New("no threads")
	}))
	ran := false
	_, err := ex.Submit("work", func(ctx context.Context) { ran = true })
	if !errors.Is(err, ErrScheduling) {
		t.Fatalf("err = %v, want ErrScheduling", err)
	}
	if ran {
		t.Fatalf("work must be dropped")
	}

	ex = NewExecutor(logx.Nop(), WithAuxFactory(func(_ logx.Logger) (*Supervisor, error) {
		panic("exhausted")
	}))
	if _, err := ex.Submit("work", func(ctx context.Context) {}); !errors.Is(err, ErrScheduling) {
		t.Fatalf("panicking factory: err = %v, want ErrScheduling", err)
	}
}

func TestExecutorWorkPanicIsContained(t *testing.T) {
	ex := NewExecutor(logx.Nop())
	if _, err := ex.Submit("panics", func(ctx context.Context) { panic("boom") }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ex.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func TestExecutorSubmitDuringDrain(t *testing.T) {
	sup := NewSupervisor(context.Background())
	defer sup.Cancel()
	ex := NewExecutor(logx.Nop())
	ex.Attach(sup)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = ex.Submit("work", func(ctx context.Context) {})
			}
		}()
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = ex.Drain(ctx)
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ex.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n := ex.Inflight(); n != 0 {
		t.Fatalf("inflight = %d after drain", n)
	}
}

func TestExecutorDrainWaitsForLateSubmissions(t *testing.T) {
	ex := NewExecutor(logx.Nop())
	first := make(chan struct{})
	second := make(chan struct{})
	if _, err := ex.Submit("first", func(ctx context.Context) { <-first }); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	drained := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		drained <- ex.Drain(ctx)
	}()

	if _, err := ex.Submit("second", func(ctx context.Context) { <-second }); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	close(first)
	select {
	case err := <-drained:
		t.Fatalf("Drain returned with work still running: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(second)
	if err := <-drained; err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func TestExecutorDrainTimeoutLeavesNoWaiters(t *testing.T) {
	ex := NewExecutor(logx.Nop())
	release := make(chan struct{})
	defer close(release)
	if _, err := ex.Submit("slow", func(ctx context.Context) { <-release }); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	before := runtime.NumGoroutine()
	for i := 0; i < 50; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		if err := ex.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
			cancel()
			t.Fatalf("Drain = %v, want deadline exceeded", err)
		}
		cancel()
	}
	if after := runtime.NumGoroutine(); after > before+5 {
		t.Fatalf("goroutines grew from %d to %d across timed-out drains", before, after)
	}
}
