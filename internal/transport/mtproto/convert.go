package mtproto

import (
	"time"

	"github.com/gotd/td/tg"

	"tgrelay/internal/relay/format"
	"tgrelay/internal/transport"
)

// convertMessage maps an MTProto message onto the transport model. Sender
// names are filled from the cache when known.
func (c *peerCache) convertMessage(m *tg.Message) *transport.Message {
	out := &transport.Message{
		ID:     m.ID,
		ChatID: BotAPIID(m.PeerID),
		Date:   time.Unix(int64(m.Date), 0),
		Text:   m.Message,
		Spans:  convertEntities(m.Entities),
	}

	from := senderPeer(m)
	out.SenderID = BotAPIID(from)
	if p, ok := c.peer(from); ok {
		out.Sender = p
	}
	if m.Post && m.PostAuthor != "" && out.Sender.Title != "" {
		// Signed channel posts show the author after the channel title.
		out.Sender.Title += " (" + m.PostAuthor + ")"
	}

	if rh, ok := m.GetReplyTo(); ok {
		if h, ok := rh.(*tg.MessageReplyHeader); ok {
			if id, ok := h.GetReplyToMsgID(); ok && id != 0 {
				out.ReplyTo = &transport.ReplyRef{MessageID: id}
			}
		}
	}

	if media, ok := m.GetMedia(); ok {
		out.Attachment = attachmentFromMedia(media)
	}
	return out
}

// senderPeer is the author of m: FromID when set, the chat itself for
// anonymous channel posts.
func senderPeer(m *tg.Message) tg.PeerClass {
	if from, ok := m.GetFromID(); ok && from != nil {
		return from
	}
	return m.PeerID
}

func convertEntities(in []tg.MessageEntityClass) []format.Span {
	if len(in) == 0 {
		return nil
	}
	out := make([]format.Span, 0, len(in))
	for _, e := range in {
		switch v := e.(type) {
		case *tg.MessageEntityBold:
			out = append(out, format.NewBold(v.Offset, v.Length))
		case *tg.MessageEntityItalic:
			out = append(out, format.NewItalic(v.Offset, v.Length))
		case *tg.MessageEntityCode:
			out = append(out, format.NewCode(v.Offset, v.Length))
		case *tg.MessageEntityPre:
			out = append(out, format.NewPre(v.Offset, v.Length))
		case *tg.MessageEntityTextURL:
			out = append(out, format.NewTextURL(v.Offset, v.Length, v.URL))
		case *tg.MessageEntityURL:
			out = append(out, format.NewURL(v.Offset, v.Length))
		default:
			out = append(out, format.Span{Offset: e.GetOffset(), Length: e.GetLength(), Kind: format.Unknown})
		}
	}
	return out
}

// attachmentFromMedia returns nil for media that carries nothing to relay
// (link previews).
func attachmentFromMedia(media tg.MessageMediaClass) *transport.Attachment {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		pc, ok := m.GetPhoto()
		if !ok {
			return nil
		}
		p, ok := pc.AsNotEmpty()
		if !ok {
			return nil
		}
		thumb, size := largestPhotoSize(p.Sizes)
		return &transport.Attachment{
			Kind: transport.AttachPhoto,
			Name: "photo.jpg",
			MIME: "image/jpeg",
			Size: int64(size),
			Ref: &tg.InputPhotoFileLocation{
				ID:            p.ID,
				AccessHash:    p.AccessHash,
				FileReference: p.FileReference,
				ThumbSize:     thumb,
			},
		}
	case *tg.MessageMediaDocument:
		dc, ok := m.GetDocument()
		if !ok {
			return nil
		}
		d, ok := dc.AsNotEmpty()
		if !ok {
			return nil
		}
		a := &transport.Attachment{
			Kind: transport.AttachDocument,
			MIME: d.MimeType,
			Size: d.Size,
			Ref: &tg.InputDocumentFileLocation{
				ID:            d.ID,
				AccessHash:    d.AccessHash,
				FileReference: d.FileReference,
			},
		}
		for _, attr := range d.Attributes {
			switch v := attr.(type) {
			case *tg.DocumentAttributeFilename:
				a.Name = v.FileName
			case *tg.DocumentAttributeSticker:
				a.Kind = transport.AttachSticker
			case *tg.DocumentAttributeVideo:
				if a.Kind == transport.AttachDocument {
					a.Kind = transport.AttachVideo
				}
			}
		}
		return a
	case *tg.MessageMediaWebPage, *tg.MessageMediaEmpty:
		return nil
	default:
		return &transport.Attachment{Kind: transport.AttachOther}
	}
}

// largestPhotoSize picks the biggest rendition by pixel area.
func largestPhotoSize(sizes []tg.PhotoSizeClass) (string, int) {
	var (
		bestType string
		bestArea int
		bestSize int
	)
	for _, sc := range sizes {
		var typ string
		var w, h, n int
		switch v := sc.(type) {
		case *tg.PhotoSize:
			typ, w, h, n = v.Type, v.W, v.H, v.Size
		case *tg.PhotoSizeProgressive:
			typ, w, h = v.Type, v.W, v.H
			if len(v.Sizes) > 0 {
				n = v.Sizes[len(v.Sizes)-1]
			}
		default:
			continue
		}
		if area := w * h; area > bestArea {
			bestType, bestArea, bestSize = typ, area, n
		}
	}
	return bestType, bestSize
}
