package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"tgrelay/internal/eventbus"
	"tgrelay/internal/transport"
	logx "tgrelay/pkg/logx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sentCall struct {
	Op  string
	Key string
}

type fakeSender struct {
	mu     sync.Mutex
	calls  []sentCall
	script map[string][]error

	block   chan struct{}
	entered chan struct{}

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newFakeSender() *fakeSender {
	return &fakeSender{script: map[string][]error{}}
}

func (f *fakeSender) fail(op, key string, errs ...error) {
	f.mu.Lock()
	f.script[op+":"+key] = append(f.script[op+":"+key], errs...)
	f.mu.Unlock()
}

func (f *fakeSender) snapshot() []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCall(nil), f.calls...)
}

func (f *fakeSender) do(ctx context.Context, op, key string) (transport.MessageRef, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		m := f.maxInflight.Load()
		if n <= m || f.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}
	if f.block != nil {
		if f.entered != nil {
			f.entered <- struct{}{}
		}
		select {
		case <-f.block:
		case <-ctx.Done():
			return transport.MessageRef{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sentCall{Op: op, Key: key})
	k := op + ":" + key
	if errs := f.script[k]; len(errs) > 0 {
		f.script[k] = errs[1:]
		return transport.MessageRef{}, errs[0]
	}
	return transport.MessageRef{MessageID: len(f.calls)}, nil
}

func (f *fakeSender) SendText(ctx context.Context, _ transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	return f.do(ctx, "text", text)
}

func (f *fakeSender) SendPhoto(ctx context.Context, _ transport.ChatTarget, file transport.File, _ *transport.SendOptions) (transport.MessageRef, error) {
	return f.do(ctx, "photo", file.Name)
}

func (f *fakeSender) SendVideo(ctx context.Context, _ transport.ChatTarget, file transport.File, _ *transport.SendOptions) (transport.MessageRef, error) {
	return f.do(ctx, "video", file.Name)
}

func (f *fakeSender) SendSticker(ctx context.Context, _ transport.ChatTarget, file transport.File, _ *transport.SendOptions) (transport.MessageRef, error) {
	return f.do(ctx, "sticker", file.Name)
}

func (f *fakeSender) SendDocument(ctx context.Context, _ transport.ChatTarget, file transport.File, _ *transport.SendOptions) (transport.MessageRef, error) {
	return f.do(ctx, "document", file.Name)
}

type recordingSleep struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleep) snapshot() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

func newTestQueue(t *testing.T, cfg Config, s *fakeSender, bus eventbus.Bus) (*Queue, *recordingSleep) {
	t.Helper()
	rs := &recordingSleep{}
	q := New(cfg, s, transport.ChatTarget{ChatID: -1001}, logx.Nop(), bus, WithSleep(rs.sleep))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})
	return q, rs
}

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.WaitIdle(ctx); err != nil {
		t.Fatalf("queue did not go idle: %v", err)
	}
}

func TestQueue_DeliversInArrivalOrder(t *testing.T) {
	t.Parallel()

	s := newFakeSender()
	q, rs := newTestQueue(t, Config{Pacing: time.Second}, s, nil)
	q.Start(context.Background())

	q.Enqueue(Text{Body: "one"})
	q.Enqueue(Photo{File: transport.File{Name: "p.jpg"}})
	q.Enqueue(Text{Body: "two"})
	waitIdle(t, q)

	want := []sentCall{{"text", "one"}, {"photo", "p.jpg"}, {"text", "two"}}
	if diff := cmp.Diff(want, s.snapshot()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
	for _, w := range rs.snapshot() {
		if w != time.Second {
			t.Fatalf("expected pacing waits of 1s, got %v", rs.snapshot())
		}
	}
	if got := q.Snapshot().Sent; got != 3 {
		t.Fatalf("sent=%d, want 3", got)
	}
}

func TestQueue_HoldsItemsUntilStart(t *testing.T) {
	t.Parallel()

	s := newFakeSender()
	q, _ := newTestQueue(t, Config{}, s, nil)
	q.Enqueue(Text{Body: "early"})
	if q.Len() != 1 || q.Draining() {
		t.Fatalf("expected one pending item and no drain, got len=%d draining=%v", q.Len(), q.Draining())
	}

	q.Start(context.Background())
	waitIdle(t, q)
	if got := s.snapshot(); len(got) != 1 || got[0].Key != "early" {
		t.Fatalf("unexpected calls: %+v", got)
	}
}

func TestQueue_ThrottledItemRetriedBeforeAnythingElse(t *testing.T) {
	t.Parallel()

	s := newFakeSender()
	s.fail("text", "A", &transport.RateLimitedError{RetryAfter: 3 * time.Second})
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	q, rs := newTestQueue(t, Config{Pacing: time.Second}, s, bus)
	q.Enqueue(Text{Body: "A"})
	q.Enqueue(Text{Body: "B"})
	q.Start(context.Background())
	waitIdle(t, q)

	want := []sentCall{{"text", "A"}, {"text", "A"}, {"text", "B"}}
	if diff := cmp.Diff(want, s.snapshot()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
	// The throttled round waits only for retry-after; pacing follows each send.
	wantWaits := []time.Duration{3 * time.Second, time.Second, time.Second}
	if diff := cmp.Diff(wantWaits, rs.snapshot()); diff != "" {
		t.Fatalf("waits mismatch (-want +got):\n%s", diff)
	}

	st := q.Snapshot()
	if st.Sent != 2 || st.Throttled != 1 || st.Dropped != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	var throttled int
	for len(events) > 0 {
		ev := <-events
		if ev.Type == EventThrottled {
			throttled++
			de, ok := ev.Data.(DeliveryEvent)
			if !ok || de.RetryAfter != 3*time.Second || de.Throttles != 1 {
				t.Fatalf("unexpected throttle event: %+v", ev.Data)
			}
		}
	}
	if throttled != 1 {
		t.Fatalf("throttle events=%d, want 1", throttled)
	}
}

func TestQueue_DefaultBackoffWhenNoRetryAfter(t *testing.T) {
	t.Parallel()

	s := newFakeSender()
	s.fail("text", "A", &transport.RateLimitedError{})
	q, rs := newTestQueue(t, Config{DefaultBackoff: 7 * time.Second}, s, nil)
	q.Start(context.Background())
	q.Enqueue(Text{Body: "A"})
	waitIdle(t, q)

	waits := rs.snapshot()
	if len(waits) == 0 || waits[0] != 7*time.Second {
		t.Fatalf("expected default backoff wait, got %v", waits)
	}
	if got := len(s.snapshot()); got != 2 {
		t.Fatalf("calls=%d, want 2", got)
	}
}

func TestQueue_DropsOnOtherFailureAndContinues(t *testing.T) {
	t.Parallel()

	s := newFakeSender()
	s.fail("text", "bad", &transport.DeliveryError{Code: 400, Description: "Bad Request: can't parse entities"})
	q, _ := newTestQueue(t, Config{}, s, nil)
	q.Start(context.Background())
	q.Enqueue(Text{Body: "bad", HTML: true})
	q.Enqueue(Text{Body: "good"})
	waitIdle(t, q)

	want := []sentCall{{"text", "bad"}, {"text", "good"}}
	if diff := cmp.Diff(want, s.snapshot()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
	st := q.Snapshot()
	if st.Sent != 1 || st.Dropped != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestQueue_StickerFallsBackToDocument(t *testing.T) {
	t.Parallel()

	s := newFakeSender()
	s.fail("sticker", "s.webp", errors.New("STICKER_INVALID"))
	q, _ := newTestQueue(t, Config{}, s, nil)
	q.Start(context.Background())
	q.Enqueue(Sticker{File: transport.File{Name: "s.webp", Data: []byte("x")}})
	waitIdle(t, q)

	want := []sentCall{{"sticker", "s.webp"}, {"document", "s.webp"}}
	if diff := cmp.Diff(want, s.snapshot()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
	if st := q.Snapshot(); st.Fallbacks != 1 || st.Sent != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestQueue_BurstKeepsOneCallInFlight(t *testing.T) {
	t.Parallel()

	s := newFakeSender()
	q, _ := newTestQueue(t, Config{}, s, nil)
	q.Start(context.Background())

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Enqueue(Text{Body: "x"})
		}()
	}
	wg.Wait()
	waitIdle(t, q)

	if got := len(s.snapshot()); got != n {
		t.Fatalf("calls=%d, want %d", got, n)
	}
	if m := s.maxInflight.Load(); m != 1 {
		t.Fatalf("max in-flight=%d, want 1", m)
	}
	if q.Len() != 0 || q.Draining() {
		t.Fatalf("expected empty idle queue")
	}
}

func TestQueue_EnqueueAfterIdleStartsNewDrain(t *testing.T) {
	t.Parallel()

	s := newFakeSender()
	q, _ := newTestQueue(t, Config{}, s, nil)
	q.Start(context.Background())

	q.Enqueue(Text{Body: "first"})
	waitIdle(t, q)
	q.Enqueue(Text{Body: "second"})
	waitIdle(t, q)

	if got := len(s.snapshot()); got != 2 {
		t.Fatalf("calls=%d, want 2", got)
	}
}

func TestQueue_StopDiscardsPending(t *testing.T) {
	t.Parallel()

	s := newFakeSender()
	s.block = make(chan struct{})
	s.entered = make(chan struct{}, 4)
	q, _ := newTestQueue(t, Config{}, s, nil)
	q.Start(context.Background())

	q.Enqueue(Text{Body: "a"})
	q.Enqueue(Text{Body: "b"})
	q.Enqueue(Text{Body: "c"})
	select {
	case <-s.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("first item never reached the sender")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if q.Len() != 0 {
		t.Fatalf("pending=%d after stop", q.Len())
	}
	if st := q.Snapshot(); st.Dropped != 2 || st.Sent != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	q.Enqueue(Text{Body: "late"})
	if st := q.Snapshot(); st.Dropped != 3 {
		t.Fatalf("enqueue after stop should drop, stats=%+v", st)
	}
}

func TestQueue_MaxQueueDropsOverflow(t *testing.T) {
	t.Parallel()

	s := newFakeSender()
	q, _ := newTestQueue(t, Config{MaxQueue: 2}, s, nil)
	q.Enqueue(Text{Body: "1"})
	q.Enqueue(Text{Body: "2"})
	q.Enqueue(Text{Body: "3"})

	if q.Len() != 2 {
		t.Fatalf("len=%d, want 2", q.Len())
	}
	if st := q.Snapshot(); st.Dropped != 1 || st.Enqueued != 2 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestQueue_StopPublishesDiscardedItems(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, EventDropped)
	defer unsub()

	q, _ := newTestQueue(t, Config{}, newFakeSender(), bus)
	a := q.Enqueue(Text{Body: "a"})
	b := q.Enqueue(Photo{})
	if err := q.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	var got []string
	for len(events) > 0 {
		ev := (<-events).Data.(DeliveryEvent)
		if ev.Error != ErrStopped.Error() {
			t.Fatalf("dropped event error=%q", ev.Error)
		}
		got = append(got, ev.ItemID)
	}
	if diff := cmp.Diff([]string{a.ID, b.ID}, got); diff != "" {
		t.Fatalf("dropped events mismatch (-want +got):\n%s", diff)
	}
	if st := q.Snapshot(); st.Dropped != 2 {
		t.Fatalf("dropped=%d, want 2", st.Dropped)
	}
}

func TestText_PreviewTruncates(t *testing.T) {
	t.Parallel()

	long := make([]rune, 300)
	for i := range long {
		long[i] = 'é'
	}
	p := Text{Body: string(long)}.preview()
	if n := len([]rune(p)); n > previewRunes+1 {
		t.Fatalf("preview too long: %d runes", n)
	}
	if got := (Sticker{}).preview(); got != "[sticker]" {
		t.Fatalf("sticker preview=%q", got)
	}
}
