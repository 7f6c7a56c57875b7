package mtproto

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gotd/td/tg"

	"tgrelay/internal/relay/format"
	"tgrelay/internal/transport"
)

func TestBotAPIID_RoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		peer tg.PeerClass
		want int64
	}{
		{&tg.PeerUser{UserID: 42}, 42},
		{&tg.PeerChat{ChatID: 777}, -777},
		{&tg.PeerChannel{ChannelID: 1234567890}, -1001234567890},
	}
	for _, tt := range tests {
		got := BotAPIID(tt.peer)
		if got != tt.want {
			t.Fatalf("BotAPIID(%v)=%d want %d", tt.peer, got, tt.want)
		}
		if diff := cmp.Diff(tt.peer, peerFromBotAPIID(got)); diff != "" {
			t.Fatalf("round trip (-want +got):\n%s", diff)
		}
	}
	if peerFromBotAPIID(0) != nil {
		t.Fatalf("zero id must map to nil")
	}
}

func TestConvertEntities(t *testing.T) {
	t.Parallel()

	got := convertEntities([]tg.MessageEntityClass{
		&tg.MessageEntityBold{Offset: 0, Length: 2},
		&tg.MessageEntityTextURL{Offset: 3, Length: 4, URL: "https://x.test"},
		&tg.MessageEntityMention{Offset: 8, Length: 5},
	})
	want := []format.Span{
		format.NewBold(0, 2),
		format.NewTextURL(3, 4, "https://x.test"),
		{Offset: 8, Length: 5, Kind: format.Unknown},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("spans (-want +got):\n%s", diff)
	}
	if convertEntities(nil) != nil {
		t.Fatalf("no entities must give nil")
	}
}

func TestAttachmentFromMedia(t *testing.T) {
	t.Parallel()

	photo := &tg.MessageMediaPhoto{}
	photo.SetPhoto(&tg.Photo{
		ID: 1, AccessHash: 2, FileReference: []byte{3},
		Sizes: []tg.PhotoSizeClass{
			&tg.PhotoSize{Type: "s", W: 90, H: 90, Size: 1000},
			&tg.PhotoSize{Type: "y", W: 1280, H: 960, Size: 90000},
			&tg.PhotoSize{Type: "m", W: 320, H: 240, Size: 9000},
		},
	})
	a := attachmentFromMedia(photo)
	if a == nil || a.Kind != transport.AttachPhoto || a.Size != 90000 {
		t.Fatalf("photo attachment: %+v", a)
	}
	if loc, ok := a.Ref.(*tg.InputPhotoFileLocation); !ok || loc.ThumbSize != "y" || loc.ID != 1 {
		t.Fatalf("photo location: %#v", a.Ref)
	}

	doc := func(attrs ...tg.DocumentAttributeClass) *tg.MessageMediaDocument {
		m := &tg.MessageMediaDocument{}
		m.SetDocument(&tg.Document{ID: 9, MimeType: "application/pdf", Size: 77, Attributes: attrs})
		return m
	}
	tests := []struct {
		name  string
		media tg.MessageMediaClass
		kind  transport.AttachmentKind
		file  string
	}{
		{"file", doc(&tg.DocumentAttributeFilename{FileName: "a.pdf"}), transport.AttachDocument, "a.pdf"},
		{"sticker", doc(&tg.DocumentAttributeSticker{}), transport.AttachSticker, ""},
		{"video", doc(&tg.DocumentAttributeVideo{}, &tg.DocumentAttributeFilename{FileName: "v.mp4"}), transport.AttachVideo, "v.mp4"},
		{"video sticker", doc(&tg.DocumentAttributeSticker{}, &tg.DocumentAttributeVideo{}), transport.AttachSticker, ""},
	}
	for _, tt := range tests {
		a := attachmentFromMedia(tt.media)
		if a == nil || a.Kind != tt.kind || a.Name != tt.file || a.Size != 77 {
			t.Fatalf("%s: %+v", tt.name, a)
		}
	}

	if a := attachmentFromMedia(&tg.MessageMediaWebPage{}); a != nil {
		t.Fatalf("web page preview must not become an attachment: %+v", a)
	}
	if a := attachmentFromMedia(&tg.MessageMediaGeo{}); a == nil || a.Kind != transport.AttachOther {
		t.Fatalf("geo: %+v", a)
	}
}

func TestConvertMessage(t *testing.T) {
	t.Parallel()

	c := newPeerCache()
	c.addEntities(tg.Entities{
		Users:    map[int64]*tg.User{5: {ID: 5, FirstName: "Ann", LastName: "Lee", Username: "ann"}},
		Channels: map[int64]*tg.Channel{10: {ID: 10, Title: "News", AccessHash: 99}},
	})

	m := &tg.Message{ID: 3, PeerID: &tg.PeerChannel{ChannelID: 10}, Date: 1700000000, Message: "hi"}
	m.SetFromID(&tg.PeerUser{UserID: 5})
	reply := &tg.MessageReplyHeader{}
	reply.SetReplyToMsgID(2)
	m.SetReplyTo(reply)

	got := c.convertMessage(m)
	want := &transport.Message{
		ID:       3,
		ChatID:   -1000000000010,
		Date:     time.Unix(1700000000, 0),
		Text:     "hi",
		Sender:   transport.Peer{FirstName: "Ann", LastName: "Lee", Username: "ann"},
		SenderID: 5,
		ReplyTo:  &transport.ReplyRef{MessageID: 2},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("message (-want +got):\n%s", diff)
	}

	post := &tg.Message{ID: 4, PeerID: &tg.PeerChannel{ChannelID: 10}, Post: true, PostAuthor: "Bob"}
	got = c.convertMessage(post)
	if got.SenderID != -1000000000010 || got.Sender.Title != "News (Bob)" {
		t.Fatalf("channel post sender: id=%d %+v", got.SenderID, got.Sender)
	}

	if ch, ok := c.inputChannel(10); !ok || ch.AccessHash != 99 {
		t.Fatalf("input channel: %+v %v", ch, ok)
	}
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := retryDelay(i + 1); got != w {
			t.Fatalf("retryDelay(%d)=%s want %s", i+1, got, w)
		}
	}
}

func TestCapWriter(t *testing.T) {
	t.Parallel()

	w := &capWriter{max: 4}
	if _, err := w.Write([]byte("abc")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := w.Write([]byte("de")); err != errTooLarge {
		t.Fatalf("expected errTooLarge, got %v", err)
	}
}
