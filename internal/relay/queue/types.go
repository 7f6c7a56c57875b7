package queue

import (
	"time"

	"tgrelay/internal/transport"
	"tgrelay/pkg/tghtml"
)

// Kind identifies the destination operation an item needs.
type Kind int

const (
	KindText Kind = iota + 1
	KindPhoto
	KindVideo
	KindSticker
	KindDocument
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindPhoto:
		return "photo"
	case KindVideo:
		return "video"
	case KindSticker:
		return "sticker"
	case KindDocument:
		return "document"
	default:
		return "unknown"
	}
}

// Payload is the closed set of outbound shapes. Only types in this package
// implement it.
type Payload interface {
	Kind() Kind
	preview() string
}

// Text is an outbound text message.
type Text struct {
	Body           string
	HTML           bool
	DisablePreview bool
}

type Photo struct{ File transport.File }
type Video struct{ File transport.File }

// Sticker is sent as a sticker first and as a document if that fails.
type Sticker struct{ File transport.File }

type Document struct{ File transport.File }

func (Text) Kind() Kind { return KindText }
func (Photo) Kind() Kind { return KindPhoto }
func (Video) Kind() Kind { return KindVideo }
func (Sticker) Kind() Kind { return KindSticker }
func (Document) Kind() Kind { return KindDocument }

const previewRunes = 120

func (t Text) preview() string { return tghtml.TruncRunes(t.Body, previewRunes) }
func (Photo) preview() string { return "[photo]" }
func (Video) preview() string { return "[video]" }
func (Sticker) preview() string { return "[sticker]" }
func (Document) preview() string { return "[document]" }

// Item is one unit of outbound work. A throttled item goes back to the head
// of the queue unchanged; it is never copied into a second item.
type Item struct {
	ID         string
	Payload    Payload
	EnqueuedAt time.Time
}

// Config tunes the drain loop.
type Config struct {
	// Pacing is the pause after each successful delivery.
	Pacing time.Duration
	// DefaultBackoff is used when the destination throttles without saying
	// how long to wait.
	DefaultBackoff time.Duration
	// MaxQueue caps pending items; 0 means unbounded.
	MaxQueue int
	// SendTimeout bounds one destination call.
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Pacing < 0 {
		c.Pacing = 0
	}
	if c.DefaultBackoff <= 0 {
		c.DefaultBackoff = 5 * time.Second
	}
	if c.MaxQueue < 0 {
		c.MaxQueue = 0
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 2 * time.Minute
	}
	return c
}

// Event types published on the event bus.
const (
	EventQueued    = "relay.queued"
	EventSent      = "relay.sent"
	EventThrottled = "relay.throttled"
	EventDropped   = "relay.dropped"
)

// DeliveryEvent is the Data of every relay.* bus event.
// Keep it small; subscribers may persist it.
type DeliveryEvent struct {
	ItemID     string        `json:"item_id"`
	Kind       string        `json:"kind"`
	ChatID     int64         `json:"chat_id"`
	Throttles  int           `json:"throttles,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Fallback   bool          `json:"fallback,omitempty"`
	Code       int           `json:"code,omitempty"`
	Error      string        `json:"error,omitempty"`
	At         time.Time     `json:"at"`
}

// Stats is a point-in-time view of the queue for health output.
type Stats struct {
	Pending    int       `json:"pending"`
	Draining   bool      `json:"draining"`
	Enqueued   uint64    `json:"enqueued"`
	Sent       uint64    `json:"sent"`
	Throttled  uint64    `json:"throttled"`
	Dropped    uint64    `json:"dropped"`
	Fallbacks  uint64    `json:"fallbacks"`
	LastSentAt time.Time `json:"last_sent_at,omitempty"`
}
