package queue

import (
	"context"
	"fmt"

	"tgrelay/internal/transport"
	logx "tgrelay/pkg/logx"
)

func (q *Queue) drain(ctx context.Context, gen uint64) {
	for {
		if ctx.Err() != nil {
			return
		}
		e, cfg, ok := q.next(gen)
		if !ok {
			return
		}

		fallback, err := q.deliver(ctx, cfg, e.item)
		if err == nil {
			q.sent.Add(1)
			q.lastSentAt.Store(q.now().UnixNano())
			q.publish(EventSent, e.item, DeliveryEvent{Throttles: e.throttles, Fallback: fallback})
			if err := q.sleep(ctx, cfg.Pacing); err != nil {
				return
			}
			continue
		}

		if rl, ok := transport.AsRateLimited(err); ok {
			e.throttles++
			q.throttled.Add(1)
			wait := rl.RetryAfter
			if wait <= 0 {
				wait = cfg.DefaultBackoff
			}
			q.requeue(e)
			q.log.Warn("destination throttled, holding queue",
				logx.String("item", e.item.ID),
				logx.String("kind", e.item.Payload.Kind().String()),
				logx.Duration("wait", wait),
				logx.Int("throttles", e.throttles),
			)
			q.publish(EventThrottled, e.item, DeliveryEvent{Throttles: e.throttles, RetryAfter: wait})
			if err := q.sleep(ctx, wait); err != nil {
				return
			}
			continue
		}

		if ctx.Err() != nil {
			return
		}
		q.drop(e.item, e.throttles, err)
	}
}

// deliver performs the destination call for one item. The bool reports that
// a sticker went out as a document.
func (q *Queue) deliver(ctx context.Context, cfg Config, it Item) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()

	var err error
	switch p := it.Payload.(type) {
	case Text:
		opt := &transport.SendOptions{DisablePreview: p.DisablePreview}
		if p.HTML {
			opt.ParseMode = "HTML"
		}
		_, err = q.sender.SendText(callCtx, q.target, p.Body, opt)
	case Photo:
		_, err = q.sender.SendPhoto(callCtx, q.target, p.File, nil)
	case Video:
		_, err = q.sender.SendVideo(callCtx, q.target, p.File, nil)
	case Document:
		_, err = q.sender.SendDocument(callCtx, q.target, p.File, nil)
	case Sticker:
		_, err = q.sender.SendSticker(callCtx, q.target, p.File, nil)
		if err == nil {
			return false, nil
		}
		q.fallbacks.Add(1)
		q.log.Info("sticker rejected, retrying as document",
			logx.String("item", it.ID),
			logx.Err(err),
		)
		f := p.File
		if f.Name == "" {
			f.Name = "sticker.webp"
		}
		_, err = q.sender.SendDocument(callCtx, q.target, f, nil)
		return true, err
	default:
		err = fmt.Errorf("unsupported payload %T", it.Payload)
	}
	return false, err
}
