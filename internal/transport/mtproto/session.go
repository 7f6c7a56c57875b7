package mtproto

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gotd/td/session"
)

// sessionStorage builds the session backend from configuration.
//
// Session is a Telethon string session. With SessionFile set, the file is the
// storage (so refreshed auth data survives restarts) and Session only seeds
// it when the file does not exist yet.
func sessionStorage(ctx context.Context, raw, path string) (session.Storage, error) {
	var data *session.Data
	if s := strings.TrimSpace(raw); s != "" {
		d, err := session.TelethonSession(s)
		if err != nil {
			return nil, fmt.Errorf("decode string session: %w", err)
		}
		data = d
	}

	if p := strings.TrimSpace(path); p != "" {
		st := &session.FileStorage{Path: p}
		if data == nil {
			return st, nil
		}
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
				return nil, err
			}
			if err := (&session.Loader{Storage: st}).Save(ctx, data); err != nil {
				return nil, fmt.Errorf("seed session file: %w", err)
			}
		}
		return st, nil
	}

	if data == nil {
		return nil, errors.New("no session configured")
	}
	mem := new(session.StorageMemory)
	if err := (&session.Loader{Storage: mem}).Save(ctx, data); err != nil {
		return nil, fmt.Errorf("load string session: %w", err)
	}
	return mem, nil
}
