package transport

import (
	"context"
	"time"

	"tgrelay/internal/relay/format"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

// Message is one inbound message observed on the source side.
//
// ChatID uses Bot API numbering so it can be compared with configured chat ids:
// channels/supergroups are -100<id>, basic groups -<id>, users <id>.
type Message struct {
	ID     int
	ChatID int64
	Date   time.Time
	Text   string
	Spans  []format.Span

	// Sender is best-effort; adapters fill what they have at event time.
	// Resolver.ResolveSender may complete it.
	Sender   Peer
	SenderID int64

	ReplyTo    *ReplyRef
	Attachment *Attachment
}

// Peer carries display-name fields of a user, group or channel.
type Peer struct {
	FirstName string
	LastName  string
	Username  string
	Title     string
}

func (p Peer) IsZero() bool {
	return p.FirstName == "" && p.LastName == "" && p.Username == "" && p.Title == ""
}

type ReplyRef struct {
	MessageID int
}

type AttachmentKind string

const (
	AttachPhoto    AttachmentKind = "photo"
	AttachVideo    AttachmentKind = "video"
	AttachSticker  AttachmentKind = "sticker"
	AttachDocument AttachmentKind = "document"
	AttachOther    AttachmentKind = "other"
)

// Attachment references downloadable media. Ref is adapter-specific
// (MTProto: file location).
type Attachment struct {
	Kind AttachmentKind
	Name string
	MIME string
	Size int64
	Ref  any
}

// File is an in-memory upload.
type File struct {
	Name string
	MIME string
	Data []byte
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Source is the inbound side. Start blocks until the session is connected
// (or its connect budget is exhausted) and then keeps emitting updates to out
// until ctx is canceled or Stop is called.
type Source interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// Resolver completes lazily-resolvable references of an inbound message.
type Resolver interface {
	ResolveSender(ctx context.Context, m *Message) (Peer, error)
	// ResolveReply returns the replied-to message, or nil when it no longer exists.
	ResolveReply(ctx context.Context, m *Message) (*Message, error)
}

// Downloader returns the raw bytes of an attachment. A nil slice with a nil
// error means "nothing to download".
type Downloader interface {
	Download(ctx context.Context, a *Attachment) ([]byte, error)
}

// Sender is the destination side: one operation per outbound kind.
// Failures are *RateLimitedError or *DeliveryError.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, f File, opt *SendOptions) (MessageRef, error)
	SendVideo(ctx context.Context, to ChatTarget, f File, opt *SendOptions) (MessageRef, error)
	SendSticker(ctx context.Context, to ChatTarget, f File, opt *SendOptions) (MessageRef, error)
	SendDocument(ctx context.Context, to ChatTarget, f File, opt *SendOptions) (MessageRef, error)
}
