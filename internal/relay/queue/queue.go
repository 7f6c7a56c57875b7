// Package queue delivers outbound items to the destination chat strictly in
// arrival order, at most one at a time.
//
// A single drain goroutine runs while items are pending. Enqueue starts it
// when none is active; the drain exits when it observes an empty queue, and
// both decisions happen under the same lock, so an item can never be stranded
// between "queue looked empty" and "drain flag cleared".
//
// On a throttling failure the item is put back at the head and the drain waits
// for the advertised delay (or Config.DefaultBackoff). Any other failure drops
// the item after logging it.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tgrelay/internal/eventbus"
	"tgrelay/internal/runtime/supervisor"
	"tgrelay/internal/transport"
	logx "tgrelay/pkg/logx"
)

// ErrStopped is recorded for items enqueued after Stop.
var ErrStopped = errors.New("queue stopped")

// ErrFull is recorded for items rejected by Config.MaxQueue.
var ErrFull = errors.New("queue full")

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Option func(*Queue)

// WithSleep replaces the timer-based wait used for pacing and backoff.
func WithSleep(fn SleepFunc) Option {
	return func(q *Queue) {
		if fn != nil {
			q.sleep = fn
		}
	}
}

// WithClock overrides time.Now for item timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

type entry struct {
	item      Item
	throttles int
}

type Queue struct {
	sender transport.Sender
	target transport.ChatTarget
	log    logx.Logger
	bus    eventbus.Bus
	sleep  SleepFunc
	now    func() time.Time

	mu       sync.Mutex
	cfg      Config
	items    []entry
	draining bool
	gen      uint64
	idle     chan struct{}
	sup      *supervisor.Supervisor
	stopped  bool

	enqueued   atomic.Uint64
	sent       atomic.Uint64
	throttled  atomic.Uint64
	dropped    atomic.Uint64
	fallbacks  atomic.Uint64
	lastSentAt atomic.Int64
}

func New(cfg Config, sender transport.Sender, target transport.ChatTarget, log logx.Logger, bus eventbus.Bus, opts ...Option) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	idle := make(chan struct{})
	close(idle)
	q := &Queue{
		sender: sender,
		target: target,
		log:    log.With(logx.String("comp", "relay.queue")),
		bus:    bus,
		sleep:  sleepCtx,
		now:    time.Now,
		cfg:    cfg.withDefaults(),
		idle:   idle,
	}
	for _, o := range opts {
		if o != nil {
			o(q)
		}
	}
	return q
}

// Start enables draining. Items enqueued before Start are delivered once it
// is called.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sup != nil || q.stopped {
		return
	}
	q.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(q.log))
	if len(q.items) > 0 {
		q.startDrainLocked()
	}
}

// Stop cancels the drain and discards whatever is still pending. It waits for
// the drain goroutine to exit or for ctx to expire.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	pending := q.items
	q.items = nil
	sup := q.sup
	q.mu.Unlock()

	if len(pending) > 0 {
		q.dropped.Add(uint64(len(pending)))
		q.log.Warn("discarding pending items on stop", logx.Int("pending", len(pending)))
		for _, e := range pending {
			q.publish(EventDropped, e.item, DeliveryEvent{Throttles: e.throttles, Error: ErrStopped.Error()})
		}
	}
	if sup == nil {
		return nil
	}
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		return err
	}
	return nil
}

// Apply updates pacing, backoff and the queue cap. The running drain picks
// the new values up before its next wait.
func (q *Queue) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	q.mu.Lock()
	q.cfg = cfg
	q.mu.Unlock()
}

// Enqueue appends payload to the tail and makes sure a drain is running.
// It never blocks on delivery.
func (q *Queue) Enqueue(p Payload) Item {
	if p == nil {
		return Item{}
	}
	it := Item{ID: uuid.NewString(), Payload: p, EnqueuedAt: q.now()}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		q.drop(it, 0, ErrStopped)
		return it
	}
	if limit := q.cfg.MaxQueue; limit > 0 && len(q.items) >= limit {
		q.mu.Unlock()
		q.drop(it, 0, ErrFull)
		return it
	}
	q.items = append(q.items, entry{item: it})
	q.enqueued.Add(1)
	q.startDrainLocked()
	q.mu.Unlock()

	q.publish(EventQueued, it, DeliveryEvent{})
	return it
}

// Len returns the number of pending items, excluding one currently in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

// WaitIdle blocks until no drain is active or ctx is done.
func (q *Queue) WaitIdle(ctx context.Context) error {
	q.mu.Lock()
	ch := q.idle
	q.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Snapshot() Stats {
	q.mu.Lock()
	st := Stats{Pending: len(q.items), Draining: q.draining}
	q.mu.Unlock()
	st.Enqueued = q.enqueued.Load()
	st.Sent = q.sent.Load()
	st.Throttled = q.throttled.Load()
	st.Dropped = q.dropped.Load()
	st.Fallbacks = q.fallbacks.Load()
	if ns := q.lastSentAt.Load(); ns > 0 {
		st.LastSentAt = time.Unix(0, ns)
	}
	return st
}

// Supervisor exposes the drain supervisor for health output. Nil before Start.
func (q *Queue) Supervisor() *supervisor.Supervisor {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sup
}

// startDrainLocked must be called with q.mu held.
func (q *Queue) startDrainLocked() {
	if q.draining || q.sup == nil || q.stopped || len(q.items) == 0 {
		return
	}
	q.draining = true
	q.gen++
	q.idle = make(chan struct{})
	gen := q.gen
	q.sup.Go0("relay.drain", func(ctx context.Context) {
		defer q.endDrain(ctx, gen)
		q.drain(ctx, gen)
	})
}

// endDrain clears the drain flag if this generation still owns it. That only
// happens on an abnormal exit (cancellation or panic); a normal exit clears
// the flag inside next().
func (q *Queue) endDrain(ctx context.Context, gen uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.draining || q.gen != gen {
		return
	}
	q.draining = false
	close(q.idle)
	if ctx.Err() == nil {
		q.startDrainLocked()
	}
}

// next pops the head item, or clears the drain flag when nothing is pending.
func (q *Queue) next(gen uint64) (entry, Config, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 || q.stopped {
		if q.draining && q.gen == gen {
			q.draining = false
			close(q.idle)
		}
		return entry{}, q.cfg, false
	}
	e := q.items[0]
	q.items[0] = entry{}
	q.items = q.items[1:]
	return e, q.cfg, true
}

// requeue puts e back at the head.
func (q *Queue) requeue(e entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.items = append(q.items, entry{})
	copy(q.items[1:], q.items)
	q.items[0] = e
}

func (q *Queue) publish(typ string, it Item, ev DeliveryEvent) {
	if q.bus == nil {
		return
	}
	ev.ItemID = it.ID
	ev.Kind = it.Payload.Kind().String()
	ev.ChatID = q.target.ChatID
	if ev.At.IsZero() {
		ev.At = q.now()
	}
	q.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func (q *Queue) drop(it Item, throttles int, err error) {
	q.dropped.Add(1)
	fields := []logx.Field{
		logx.String("item", it.ID),
		logx.String("kind", it.Payload.Kind().String()),
		logx.String("preview", it.Payload.preview()),
	}
	ev := DeliveryEvent{Throttles: throttles}
	if err != nil {
		fields = append(fields, logx.Err(err))
		ev.Error = err.Error()
		if de, ok := transport.AsDelivery(err); ok {
			ev.Code = de.Code
			fields = append(fields,
				logx.Int("code", de.Code),
				logx.String("description", de.Description),
				logx.String("message", de.Message),
			)
			if len(de.Response) > 0 {
				fields = append(fields, logx.Any("response", de.Response))
			}
		}
	}
	q.log.Error("relay item dropped", fields...)
	q.publish(EventDropped, it, ev)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
