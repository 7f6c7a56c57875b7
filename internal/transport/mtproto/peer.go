package mtproto

import (
	"sync"

	"github.com/gotd/td/tg"

	"tgrelay/internal/transport"
)

// channelShift turns an MTProto channel id into its Bot API form:
// -100<id> == -(channelShift + id).
const channelShift = 1_000_000_000_000

// BotAPIID converts an MTProto peer into the chat id used in configuration.
func BotAPIID(p tg.PeerClass) int64 {
	switch v := p.(type) {
	case *tg.PeerUser:
		return v.UserID
	case *tg.PeerChat:
		return -v.ChatID
	case *tg.PeerChannel:
		return -(channelShift + v.ChannelID)
	default:
		return 0
	}
}

// peerFromBotAPIID is the inverse of BotAPIID.
func peerFromBotAPIID(id int64) tg.PeerClass {
	switch {
	case id > 0:
		return &tg.PeerUser{UserID: id}
	case id < -channelShift:
		return &tg.PeerChannel{ChannelID: -id - channelShift}
	case id < 0:
		return &tg.PeerChat{ChatID: -id}
	default:
		return nil
	}
}

// peerCache remembers names and access hashes seen in updates and RPC
// results, keyed by MTProto id.
type peerCache struct {
	mu       sync.RWMutex
	users    map[int64]*tg.User
	chats    map[int64]*tg.Chat
	channels map[int64]*tg.Channel
}

func newPeerCache() *peerCache {
	return &peerCache{
		users:    map[int64]*tg.User{},
		chats:    map[int64]*tg.Chat{},
		channels: map[int64]*tg.Channel{},
	}
}

func (c *peerCache) addEntities(e tg.Entities) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, u := range e.Users {
		c.users[id] = u
	}
	for id, ch := range e.Chats {
		c.chats[id] = ch
	}
	for id, ch := range e.Channels {
		c.channels[id] = ch
	}
}

func (c *peerCache) addUsers(users []tg.UserClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, uc := range users {
		if u, ok := uc.(*tg.User); ok {
			c.users[u.ID] = u
		}
	}
}

func (c *peerCache) addChats(chats []tg.ChatClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cc := range chats {
		switch v := cc.(type) {
		case *tg.Chat:
			c.chats[v.ID] = v
		case *tg.Channel:
			c.channels[v.ID] = v
		}
	}
}

// peer returns display fields for p.
func (c *peerCache) peer(p tg.PeerClass) (transport.Peer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch v := p.(type) {
	case *tg.PeerUser:
		if u, ok := c.users[v.UserID]; ok {
			return transport.Peer{FirstName: u.FirstName, LastName: u.LastName, Username: u.Username}, true
		}
	case *tg.PeerChat:
		if ch, ok := c.chats[v.ChatID]; ok {
			return transport.Peer{Title: ch.Title}, true
		}
	case *tg.PeerChannel:
		if ch, ok := c.channels[v.ChannelID]; ok {
			return transport.Peer{Title: ch.Title, Username: ch.Username}, true
		}
	}
	return transport.Peer{}, false
}

func (c *peerCache) inputChannel(channelID int64) (*tg.InputChannel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.channels[channelID]
	if !ok {
		return nil, false
	}
	return &tg.InputChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}, true
}
