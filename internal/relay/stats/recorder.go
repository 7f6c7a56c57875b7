package stats

import (
	"context"
	"time"

	"tgrelay/internal/eventbus"
	"tgrelay/internal/relay/queue"
	"tgrelay/internal/storage"
	logx "tgrelay/pkg/logx"
)

// Recorder writes delivery outcomes from the event bus to the store.
type Recorder struct {
	store storage.Store
	log   logx.Logger
}

func NewRecorder(store storage.Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, log: log.With(logx.String("comp", "relay.audit"))}
}

// Run consumes events until ctx is done or the channel is closed.
func (r *Recorder) Run(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			rec, ok := RecordFromEvent(ev)
			if !ok || r.store == nil {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := r.store.AppendDelivery(wctx, rec)
			cancel()
			if err != nil {
				r.log.Warn("delivery audit write failed", logx.String("item", rec.ItemID), logx.Err(err))
			}
		}
	}
}

// RecordFromEvent maps sent/throttled/dropped events to audit rows. Other
// events are ignored.
func RecordFromEvent(ev eventbus.Event) (storage.DeliveryRecord, bool) {
	var status string
	switch ev.Type {
	case queue.EventSent:
		status = storage.StatusSent
	case queue.EventThrottled:
		status = storage.StatusThrottled
	case queue.EventDropped:
		status = storage.StatusDropped
	default:
		return storage.DeliveryRecord{}, false
	}
	de, ok := ev.Data.(queue.DeliveryEvent)
	if !ok {
		return storage.DeliveryRecord{}, false
	}
	at := de.At
	if at.IsZero() {
		at = ev.Time
	}
	return storage.DeliveryRecord{
		At:        at,
		ItemID:    de.ItemID,
		Kind:      de.Kind,
		ChatID:    de.ChatID,
		Status:    status,
		Throttles: de.Throttles,
		WaitMS:    de.RetryAfter.Milliseconds(),
		Fallback:  de.Fallback,
		Code:      de.Code,
		Error:     de.Error,
	}, true
}
