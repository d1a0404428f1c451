package app

import (
	"sync"

	"defectbot/internal/notifier"
)

// notifications forwards to the dispatcher once the channel is open. Before
// that, and when no token is configured, it behaves like a disabled dispatcher.
type notifications struct {
	mu sync.RWMutex
	d  *notifier.Dispatcher
}

func (n *notifications) set(d *notifier.Dispatcher) {
	n.mu.Lock()
	n.d = d
	n.mu.Unlock()
}

func (n *notifications) get() *notifier.Dispatcher {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.d
}

func (n *notifications) Dispatch(p notifier.Payload, a notifier.Assignment) {
	if d := n.get(); d != nil {
		d.Dispatch(p, a)
	}
}

func (n *notifications) Enabled() bool {
	d := n.get()
	return d != nil && d.Enabled()
}

func (n *notifications) History() []notifier.BatchEvent {
	if d := n.get(); d != nil {
		return d.History()
	}
	return nil
}
