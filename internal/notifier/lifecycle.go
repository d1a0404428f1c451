package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"defectbot/internal/transport"
	logx "defectbot/pkg/logx"
)

// Opener builds the shared channel. It must release anything it allocated
// before returning an error.
type Opener func(ctx context.Context) (transport.Channel, error)

// Lifecycle owns the single channel handle for the process lifetime.
type Lifecycle struct {
	token string
	open  Opener
	log   logx.Logger

	mu sync.Mutex
	ch transport.Channel
}

func NewLifecycle(token string, open Opener, log logx.Logger) *Lifecycle {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Lifecycle{token: strings.TrimSpace(token), open: open, log: log}
}

// Startup opens the channel. With no token configured it logs once and
// returns a nil channel; callers treat that as "notifications disabled".
func (l *Lifecycle) Startup(ctx context.Context) (transport.Channel, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ch != nil {
		return l.ch, nil
	}
	if l.token == "" || l.open == nil {
		l.log.Info("telegram token not configured, notifications disabled")
		return nil, nil
	}

	ch, err := l.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open notification channel: %w", err)
	}
	if ch == nil {
		return nil, errors.New("open notification channel: opener returned nil")
	}
	l.ch = ch
	return ch, nil
}

// Channel returns the open channel, or nil.
func (l *Lifecycle) Channel() transport.Channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ch
}

// Shutdown closes the channel. Safe to call more than once and before Startup.
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	ch := l.ch
	l.ch = nil
	l.mu.Unlock()

	if ch == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- ch.Close() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close notification channel: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
