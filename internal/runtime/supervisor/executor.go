package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	logx "defectbot/pkg/logx"
)

// ErrScheduling is returned by Executor.Submit when no supervisor could be
// found or built to run the work.
var ErrScheduling = errors.New("scheduling failed")

// Mode tells where submitted work ended up running.
type Mode int

const (
	// ModeAttached: on the running app supervisor.
	ModeAttached Mode = iota + 1
	// ModeAuxiliary: on a throwaway supervisor built for this submission only.
	ModeAuxiliary
)

func (m Mode) String() string {
	switch m {
	case ModeAttached:
		return "attached"
	case ModeAuxiliary:
		return "auxiliary"
	default:
		return "none"
	}
}

// AuxFactory builds the supervisor used when no attached supervisor is alive.
type AuxFactory func(log logx.Logger) (*Supervisor, error)

type ExecutorOption func(*Executor)

func WithAuxFactory(f AuxFactory) ExecutorOption {
	return func(e *Executor) {
		if f != nil {
			e.newAux = f
		}
	}
}

// Executor runs fire-and-forget work from synchronous callers.
//
// When a supervisor is attached and alive, work runs on it. Otherwise a
// dedicated supervisor rooted at context.Background() is created, runs the
// work, and is disposed once the work returns. Submit never blocks on the work.
type Executor struct {
	mu  sync.RWMutex
	sup *Supervisor

	log    logx.Logger
	newAux AuxFactory

	flight   sync.Mutex
	inflight int
	idle     chan struct{} // closed when inflight drops to zero
}

func NewExecutor(log logx.Logger, opts ...ExecutorOption) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Executor{log: log, newAux: defaultAux}
	for _, o := range opts {
		o(e)
	}
	return e
}

func defaultAux(log logx.Logger) (*Supervisor, error) {
	return NewSupervisor(context.Background(), WithLogger(log), WithCancelOnError(false)), nil
}

// Attach makes sup the preferred place to run work.
func (e *Executor) Attach(sup *Supervisor) {
	e.mu.Lock()
	e.sup = sup
	e.mu.Unlock()
}

// Detach forgets the attached supervisor; later submissions go auxiliary.
func (e *Executor) Detach() {
	e.mu.Lock()
	e.sup = nil
	e.mu.Unlock()
}

// Submit schedules fn and returns immediately.
func (e *Executor) Submit(name string, fn func(ctx context.Context)) (Mode, error) {
	if fn == nil {
		return 0, nil
	}
	e.mu.RLock()
	sup := e.sup
	e.mu.RUnlock()

	if sup.Alive() {
		e.acquire()
		sup.Go0(name, func(ctx context.Context) {
			defer e.release()
			fn(ctx)
		})
		return ModeAttached, nil
	}

	aux, err := e.buildAux()
	if err != nil {
		return 0, err
	}
	e.acquire()
	aux.Go0(name, fn)
	go func() {
		defer e.release()
		_ = aux.Wait(context.Background())
		aux.Cancel()
	}()
	return ModeAuxiliary, nil
}

func (e *Executor) buildAux() (sup *Supervisor, err error) {
	defer func() {
		if r := recover(); r != nil {
			sup = nil
			err = fmt.Errorf("%w: %v", ErrScheduling, r)
		}
	}()
	sup, err = e.newAux(e.log.With(logx.String("sup", "aux")))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScheduling, err)
	}
	if sup == nil {
		return nil, ErrScheduling
	}
	return sup, nil
}

func (e *Executor) acquire() {
	e.flight.Lock()
	if e.inflight == 0 {
		e.idle = make(chan struct{})
	}
	e.inflight++
	e.flight.Unlock()
}

func (e *Executor) release() {
	e.flight.Lock()
	e.inflight--
	if e.inflight == 0 {
		close(e.idle)
	}
	e.flight.Unlock()
}

// Inflight reports how many submitted work items have not returned yet.
func (e *Executor) Inflight() int {
	e.flight.Lock()
	defer e.flight.Unlock()
	return e.inflight
}

// Drain waits until every submitted work item has returned, or ctx is done.
// Work submitted while draining extends the wait.
func (e *Executor) Drain(ctx context.Context) error {
	for {
		e.flight.Lock()
		if e.inflight == 0 {
			e.flight.Unlock()
			return nil
		}
		idle := e.idle
		e.flight.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
