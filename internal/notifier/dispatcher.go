package notifier

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"defectbot/internal/eventbus"
	rtsup "defectbot/internal/runtime/supervisor"
	"defectbot/internal/transport"
	logx "defectbot/pkg/logx"
)

const defaultHistorySize = 100

type Option func(*Dispatcher)

// WithBus publishes a BatchEvent after every batch.
func WithBus(bus eventbus.Bus) Option {
	return func(d *Dispatcher) { d.bus = bus }
}

// WithHistorySize bounds the in-memory batch history. n <= 0 keeps the default.
func WithHistorySize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.historySize = n
		}
	}
}

// Dispatcher sends defect notifications in the background.
//
// It is safe for concurrent use. The channel is fixed at construction; a nil
// channel turns every Dispatch into a no-op.
type Dispatcher struct {
	ch   transport.Channel
	dir  Directory
	exec *rtsup.Executor
	bus  eventbus.Bus
	log  logx.Logger

	hmu         sync.Mutex
	history     []BatchEvent
	historySize int
}

func NewDispatcher(ch transport.Channel, dir Directory, exec *rtsup.Executor, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if exec == nil {
		exec = rtsup.NewExecutor(log)
	}
	d := &Dispatcher{
		ch:          ch,
		dir:         dir,
		exec:        exec,
		log:         log,
		historySize: defaultHistorySize,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Enabled reports whether a channel is configured.
func (d *Dispatcher) Enabled() bool { return d.ch != nil }

// Dispatch schedules delivery for p to the people in a and returns at once.
// Failures are logged, never returned.
func (d *Dispatcher) Dispatch(p Payload, a Assignment) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("dispatch panic", logx.Int64("defect_id", p.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()

	if d.ch == nil {
		d.log.Debug("notifications disabled, dispatch skipped", logx.Int64("defect_id", p.ID))
		return
	}
	targets := a.targets()
	if len(targets) == 0 {
		return
	}

	name := "notify.defect." + strconv.FormatInt(p.ID, 10)
	mode, err := d.exec.Submit(name, func(ctx context.Context) {
		d.deliver(ctx, p, targets)
	})
	if err != nil {
		d.log.Error("notification batch dropped", logx.Int64("defect_id", p.ID), logx.Err(err))
		return
	}
	d.log.Debug("notification batch scheduled",
		logx.Int64("defect_id", p.ID),
		logx.String("mode", mode.String()),
		logx.Int("recipients", len(targets)),
	)
}

// Deliver runs one batch synchronously and returns its outcomes.
func (d *Dispatcher) Deliver(ctx context.Context, p Payload, a Assignment) ([]Outcome, error) {
	if d.ch == nil {
		return nil, ErrDisabled
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return d.deliver(ctx, p, a.targets()), nil
}

type delivery struct {
	target
	addr transport.Address
}

func (d *Dispatcher) deliver(ctx context.Context, p Payload, targets []target) []Outcome {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("notification batch panic", logx.Int64("defect_id", p.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()

	jobs, skipped := d.resolve(ctx, p, targets)

	outcomes := make([]Outcome, len(jobs))
	// Deliveries never return an error to the group, so one failure can't cancel the rest.
	var g errgroup.Group
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			outcomes[i] = d.send(ctx, p, j)
			return nil
		})
	}
	_ = g.Wait()

	d.report(p, outcomes, skipped)
	return outcomes
}

func (d *Dispatcher) resolve(ctx context.Context, p Payload, targets []target) ([]delivery, []string) {
	var (
		jobs    []delivery
		skipped []string
	)
	for _, t := range targets {
		res, err := d.lookup(ctx, t.name)
		if err != nil {
			d.log.Error("recipient lookup failed",
				logx.Int64("defect_id", p.ID),
				logx.String("name", t.name),
				logx.String("role", string(t.role)),
				logx.Err(err),
			)
			skipped = append(skipped, t.name)
			continue
		}
		if res.Status != Resolved {
			d.log.Debug("recipient not subscribed, skipped",
				logx.Int64("defect_id", p.ID),
				logx.String("name", t.name),
				logx.String("role", string(t.role)),
			)
			skipped = append(skipped, t.name)
			continue
		}
		jobs = append(jobs, delivery{target: t, addr: res.Address})
	}
	return jobs, skipped
}

func (d *Dispatcher) lookup(ctx context.Context, name string) (res Resolution, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("directory panic: %v", r)
		}
	}()
	if d.dir == nil {
		return Resolution{Status: Unknown, Name: name}, nil
	}
	return d.dir.Lookup(ctx, name)
}

func (d *Dispatcher) send(ctx context.Context, p Payload, j delivery) (out Outcome) {
	out = Outcome{Name: j.name, Role: j.role, Address: j.addr}
	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("delivery panic: %v", r)
		}
		if out.Err != nil {
			out.Error = out.Err.Error()
		}
	}()

	text := Compose(p, j.role)
	if p.PhotoRef != "" {
		out.Err = d.ch.SendPhoto(ctx, j.addr, p.PhotoRef, text)
	} else {
		out.Err = d.ch.SendText(ctx, j.addr, text)
	}
	return out
}

func (d *Dispatcher) report(p Payload, outcomes []Outcome, skipped []string) {
	ev := BatchEvent{DefectID: p.ID, At: time.Now(), Outcomes: outcomes, Skipped: skipped}

	var sent []string
	for _, o := range outcomes {
		if o.OK() {
			sent = append(sent, o.Name)
			continue
		}
		d.log.Error("notification failed",
			logx.Int64("defect_id", p.ID),
			logx.String("name", o.Name),
			logx.String("role", string(o.Role)),
			logx.String("address", string(o.Address)),
			logx.Err(o.Err),
		)
	}

	if len(outcomes) > 0 {
		d.log.Info("notifications sent",
			logx.Int64("defect_id", p.ID),
			logx.Strings("recipients", sent),
			logx.Int("failed", ev.Failed()),
		)
	} else {
		d.log.Debug("no recipients to notify", logx.Int64("defect_id", p.ID), logx.Strings("skipped", skipped))
	}

	d.appendHistory(ev)
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: EventBatch, Time: ev.At, Data: ev})
	}
}

// History returns recent batches, oldest first.
func (d *Dispatcher) History() []BatchEvent {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	return append([]BatchEvent(nil), d.history...)
}

func (d *Dispatcher) appendHistory(ev BatchEvent) {
	d.hmu.Lock()
	d.history = append(d.history, ev)
	if len(d.history) > d.historySize {
		d.history = d.history[len(d.history)-d.historySize:]
	}
	d.hmu.Unlock()
}
