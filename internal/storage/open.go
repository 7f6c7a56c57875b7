package storage

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	logx "tgrelay/pkg/logx"
)

// Store is the persistence API used by the relay.
type Store interface {
	AppendDelivery(ctx context.Context, r DeliveryRecord) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	// PruneExpired drops dedup markers whose until is in the past and
	// returns how many were removed.
	PruneExpired(ctx context.Context) (int, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func itoa64(v int64) string { return strconv.FormatInt(v, 10) }
