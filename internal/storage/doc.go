// Package storage is the optional persistence layer of the relay.
//
// It keeps two things, never message bodies:
//   - a delivery audit trail (one record per sent/throttled/dropped item)
//   - inbound dedup markers, so a message re-delivered by the source session
//     after a reconnect is not relayed twice
//
// Drivers: "file" (JSON Lines + snapshot) and "sqlite" (modernc.org/sqlite,
// pure Go). An empty driver or "none" disables storage.
package storage
