// Package stats reports relay throughput on a schedule and persists delivery
// outcomes published on the event bus.
package stats

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tgrelay/internal/relay/queue"
	"tgrelay/internal/storage"
	logx "tgrelay/pkg/logx"
)

// DefaultSchedule is used when no schedule is configured.
const DefaultSchedule = "@every 1h"

// ParseSchedule parses a standard cron expression or descriptor
// ("@every 30m", "@hourly"). "off" disables reporting and yields a nil
// schedule.
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultSchedule
	}
	if strings.EqualFold(spec, "off") {
		return nil, nil
	}
	return cron.ParseStandard(spec)
}

// Summary is the delta between two reports.
type Summary struct {
	Since     time.Time
	Until     time.Time
	Enqueued  uint64
	Sent      uint64
	Throttled uint64
	Dropped   uint64
	Fallbacks uint64
	Pending   int
	Pruned    int
}

// Reporter periodically logs a throughput summary and prunes expired dedup
// markers from the store.
type Reporter struct {
	snap  func() queue.Stats
	store storage.Store
	log   logx.Logger
	now   func() time.Time

	mu      sync.Mutex
	spec    string
	c       *cron.Cron
	last    queue.Stats
	lastAt  time.Time
	started bool
	runCtx  context.Context
}

// NewReporter builds a reporter. store may be nil.
func NewReporter(spec string, snap func() queue.Stats, store storage.Store, log logx.Logger) *Reporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reporter{
		snap:  snap,
		store: store,
		log:   log.With(logx.String("comp", "relay.stats")),
		now:   time.Now,
		spec:  spec,
	}
}

// Start schedules reporting. ctx bounds the store calls made by each run.
func (r *Reporter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	r.started = true
	r.runCtx = ctx
	r.lastAt = r.now()
	if r.snap != nil {
		r.last = r.snap()
	}
	return r.scheduleLocked()
}

// Apply swaps the schedule of a running reporter.
func (r *Reporter) Apply(spec string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.TrimSpace(spec) == strings.TrimSpace(r.spec) {
		return nil
	}
	if _, err := ParseSchedule(spec); err != nil {
		return err
	}
	r.spec = spec
	if !r.started {
		return nil
	}
	r.stopCronLocked()
	return r.scheduleLocked()
}

func (r *Reporter) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	r.c = nil
	r.started = false
	r.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (r *Reporter) scheduleLocked() error {
	sched, err := ParseSchedule(r.spec)
	if err != nil {
		return err
	}
	if sched == nil {
		r.log.Info("stats reporting disabled")
		return nil
	}
	r.c = cron.New()
	r.c.Schedule(sched, cron.FuncJob(func() {
		r.mu.Lock()
		ctx := r.runCtx
		r.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		r.Report(ctx)
	}))
	r.c.Start()
	r.log.Debug("stats reporting scheduled", logx.String("schedule", strings.TrimSpace(r.spec)))
	return nil
}

func (r *Reporter) stopCronLocked() {
	if r.c == nil {
		return
	}
	r.c.Stop()
	r.c = nil
}

// Report logs the delta since the previous report and prunes the store.
func (r *Reporter) Report(ctx context.Context) Summary {
	var cur queue.Stats
	if r.snap != nil {
		cur = r.snap()
	}
	now := r.now()

	r.mu.Lock()
	prev, prevAt := r.last, r.lastAt
	r.last, r.lastAt = cur, now
	r.mu.Unlock()

	sum := Summary{
		Since:     prevAt,
		Until:     now,
		Enqueued:  delta(cur.Enqueued, prev.Enqueued),
		Sent:      delta(cur.Sent, prev.Sent),
		Throttled: delta(cur.Throttled, prev.Throttled),
		Dropped:   delta(cur.Dropped, prev.Dropped),
		Fallbacks: delta(cur.Fallbacks, prev.Fallbacks),
		Pending:   cur.Pending,
	}

	if r.store != nil {
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		n, err := r.store.PruneExpired(pctx)
		cancel()
		if err != nil {
			r.log.Warn("dedup prune failed", logx.Err(err))
		}
		sum.Pruned = n
	}

	fields := []logx.Field{
		logx.Uint64("enqueued", sum.Enqueued),
		logx.Uint64("sent", sum.Sent),
		logx.Uint64("throttled", sum.Throttled),
		logx.Uint64("dropped", sum.Dropped),
		logx.Uint64("fallbacks", sum.Fallbacks),
		logx.Int("pending", sum.Pending),
	}
	if !prevAt.IsZero() {
		fields = append(fields, logx.Duration("window", now.Sub(prevAt)))
	}
	if sum.Pruned > 0 {
		fields = append(fields, logx.Int("dedup_pruned", sum.Pruned))
	}
	if sum.Dropped > 0 {
		r.log.Warn("relay summary", fields...)
	} else {
		r.log.Info("relay summary", fields...)
	}
	return sum
}

// delta tolerates counters that went backwards (queue rebuilt).
func delta(cur, prev uint64) uint64 {
	if cur < prev {
		return cur
	}
	return cur - prev
}
