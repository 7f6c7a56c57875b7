package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "tgrelay/pkg/logx"
)

var errClosed = errors.New("storage closed")

// compactEvery is how many marker writes go to the journal between
// snapshots.
const compactEvery = 1000

// fileStore is the dependency-free driver. For a configured path
// "dir/relay.db" it writes:
//
//	dir/relay.deliveries.jsonl     delivery records, append-only
//	dir/relay.dedup.snapshot.json  marker map, rewritten on compaction
//	dir/relay.dedup.journal.jsonl  markers written since the snapshot
type fileStore struct {
	log logx.Logger

	mu         sync.Mutex
	deliveries *os.File
	markers    *markerLog
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for the file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	stem := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))

	deliveries, err := os.OpenFile(stem+".deliveries.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	markers, err := openMarkerLog(stem+".dedup.snapshot.json", stem+".dedup.journal.jsonl", log)
	if err != nil {
		_ = deliveries.Close()
		return nil, err
	}
	return &fileStore{log: log, deliveries: deliveries, markers: markers}, nil
}

func (s *fileStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	line, err := json.Marshal(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveries == nil {
		return errClosed
	}
	_, err = s.deliveries.Write(append(line, '\n'))
	return err
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key = strings.TrimSpace(key); key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markers == nil {
		return errClosed
	}
	return s.markers.put(key, until)
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markers == nil {
		return time.Time{}, false, errClosed
	}
	ms, ok := s.markers.live[strings.TrimSpace(key)]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) PruneExpired(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markers == nil {
		return 0, errClosed
	}
	return s.markers.compact()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.deliveries != nil {
		errs = append(errs, s.deliveries.Close())
		s.deliveries = nil
	}
	if s.markers != nil {
		errs = append(errs, s.markers.close())
		s.markers = nil
	}
	return errors.Join(errs...)
}

// markerLog keeps dedup markers in memory, backed by a snapshot plus an
// append-only journal. Not safe for concurrent use.
type markerLog struct {
	log      logx.Logger
	snapshot string
	journal  *os.File
	live     map[string]int64 // key -> until, unix ms
	writes   int
}

type markerEntry struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openMarkerLog(snapshot, journal string, log logx.Logger) (*markerLog, error) {
	live := map[string]int64{}
	if err := readSnapshot(snapshot, live); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("dedup snapshot unreadable, starting from journal", logx.String("path", snapshot), logx.Err(err))
	}
	jf, err := os.OpenFile(journal, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := replayJournal(jf, live); err != nil {
		log.Warn("dedup journal replay stopped early", logx.String("path", journal), logx.Err(err))
	}
	if _, err := jf.Seek(0, io.SeekEnd); err != nil {
		_ = jf.Close()
		return nil, err
	}
	dropExpired(live, time.Now())
	return &markerLog{log: log, snapshot: snapshot, journal: jf, live: live}, nil
}

func (l *markerLog) put(key string, until time.Time) error {
	ms := until.UnixMilli()
	line, err := json.Marshal(markerEntry{Key: key, Until: ms})
	if err != nil {
		return err
	}
	if _, err := l.journal.Write(append(line, '\n')); err != nil {
		return err
	}
	l.live[key] = ms
	l.writes++
	if l.writes%compactEvery == 0 {
		if _, err := l.compact(); err != nil {
			l.log.Debug("dedup compaction failed", logx.Err(err))
		}
	}
	return nil
}

// compact drops expired markers, rewrites the snapshot atomically, and
// empties the journal. It returns how many markers were dropped.
func (l *markerLog) compact() (int, error) {
	dropped := dropExpired(l.live, time.Now())

	tmp := l.snapshot + ".tmp"
	b, err := json.Marshal(l.live)
	if err != nil {
		return dropped, err
	}
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return dropped, err
	}
	if err := os.Rename(tmp, l.snapshot); err != nil {
		return dropped, err
	}
	if err := l.journal.Truncate(0); err != nil {
		return dropped, err
	}
	_, err = l.journal.Seek(0, io.SeekStart)
	return dropped, err
}

func (l *markerLog) close() error { return l.journal.Close() }

func readSnapshot(path string, into map[string]int64) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var m map[string]int64
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for k, v := range m {
		into[k] = v
	}
	return nil
}

// replayJournal applies journal lines in order; undecodable lines (a torn
// final write) are skipped.
func replayJournal(r io.Reader, into map[string]int64) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var e markerEntry
		if json.Unmarshal(sc.Bytes(), &e) != nil || e.Key == "" {
			continue
		}
		into[e.Key] = e.Until
	}
	return sc.Err()
}

func dropExpired(m map[string]int64, now time.Time) int {
	cutoff := now.UnixMilli()
	n := 0
	for k, until := range m {
		if until < cutoff {
			delete(m, k)
			n++
		}
	}
	return n
}
