// Package maintenance runs periodic housekeeping against the store.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "defectbot/pkg/logx"
)

// Optimizer is the store operation the job runs.
type Optimizer interface {
	Optimize(ctx context.Context) error
}

type Config struct {
	// Schedule is a standard cron spec or descriptor ("@daily"). Empty disables the job.
	Schedule string
	// Timeout bounds one run. 0 means one minute.
	Timeout time.Duration
}

// Run is the result of the latest job run.
type Run struct {
	At   time.Time     `json:"at"`
	Took time.Duration `json:"took"`
	Err  string        `json:"error,omitempty"`
}

type Service struct {
	mu     sync.Mutex
	cfg    Config
	store  Optimizer
	log    logx.Logger
	parser cron.Parser

	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	last   Run
}

func New(cfg Config, store Optimizer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &Service{
		cfg:    cfg,
		store:  store,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Enabled() bool { return strings.TrimSpace(s.cfg.Schedule) != "" }

// Start registers the optimize job. Idempotent; a no-op when disabled.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.Enabled() {
		return nil
	}

	sched, err := s.parser.Parse(strings.TrimSpace(s.cfg.Schedule))
	if err != nil {
		return fmt.Errorf("maintenance schedule %q: %w", s.cfg.Schedule, err)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(time.Local),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	s.c.Schedule(sched, cron.FuncJob(func() { _ = s.RunNow(s.ctx) }))
	s.c.Start()

	s.log.Info("maintenance scheduled",
		logx.String("schedule", s.cfg.Schedule),
		logx.Time("next", sched.Next(time.Now())),
	)
	return nil
}

// Stop waits for a running job to finish, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.cancel = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	done := c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		cancel()
		<-done
	}
	cancel()
	s.log.Info("maintenance stopped")
}

// RunNow optimizes the store once.
func (s *Service) RunNow(ctx context.Context) error {
	if s.store == nil {
		return errors.New("maintenance: no store")
	}
	rctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := s.store.Optimize(rctx)
	run := Run{At: start, Took: time.Since(start)}
	if err != nil {
		run.Err = err.Error()
		s.log.Error("store optimize failed", logx.Duration("took", run.Took), logx.Err(err))
	} else {
		s.log.Info("store optimized", logx.Duration("took", run.Took))
	}

	s.mu.Lock()
	s.last = run
	s.mu.Unlock()
	return err
}

// Last returns the latest run (zero before the first run).
func (s *Service) Last() Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
