package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines audit + dedup snapshot/journal
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Delivery statuses.
const (
	StatusSent      = "sent"
	StatusThrottled = "throttled"
	StatusDropped   = "dropped"
)

// DeliveryRecord is one audit row for an outbound item.
// Keep it compact and schema-stable.
type DeliveryRecord struct {
	At        time.Time `json:"at"`
	ItemID    string    `json:"item_id"`
	Kind      string    `json:"kind"`
	ChatID    int64     `json:"chat_id"`
	Status    string    `json:"status"`
	Throttles int       `json:"throttles,omitempty"`
	WaitMS    int64     `json:"wait_ms,omitempty"`
	Fallback  bool      `json:"fallback,omitempty"`
	Code      int       `json:"code,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// DedupKey is the marker key for an inbound source message.
func DedupKey(chatID int64, msgID int) string {
	return "msg:" + itoa64(chatID) + ":" + itoa64(int64(msgID))
}
