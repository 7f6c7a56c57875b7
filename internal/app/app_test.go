package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"tgrelay/internal/config"
	"tgrelay/internal/relay/assembler"
	"tgrelay/internal/relay/queue"
	"tgrelay/internal/storage"
	"tgrelay/internal/transport"
	logx "tgrelay/pkg/logx"
)

func TestMapQueueConfig(t *testing.T) {
	t.Parallel()

	got, err := mapQueueConfig(&config.Config{})
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if diff := cmp.Diff(queue.Config{Pacing: time.Second, DefaultBackoff: 5 * time.Second}, got); diff != "" {
		t.Fatalf("defaults (-want +got):\n%s", diff)
	}

	got, err = mapQueueConfig(&config.Config{Relay: config.RelayConfig{Pacing: "0s", DefaultBackoff: "2s", MaxQueue: 10}})
	if err != nil {
		t.Fatalf("explicit: %v", err)
	}
	if diff := cmp.Diff(queue.Config{DefaultBackoff: 2 * time.Second, MaxQueue: 10}, got); diff != "" {
		t.Fatalf("explicit (-want +got):\n%s", diff)
	}

	if _, err := mapQueueConfig(&config.Config{Relay: config.RelayConfig{Pacing: "soon"}}); err == nil {
		t.Fatalf("expected error for bad pacing")
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      *config.StorageConfig
		want    storage.Config
		enabled bool
		wantErr bool
	}{
		{name: "absent"},
		{name: "none", in: &config.StorageConfig{Driver: "none"}},
		{name: "file", in: &config.StorageConfig{Driver: "File", Path: "./data"}, want: storage.Config{Driver: "file", Path: "./data"}, enabled: true},
		{name: "sqlite default busy", in: &config.StorageConfig{Driver: "sqlite", Path: "a.db"}, want: storage.Config{Driver: "sqlite", Path: "a.db", BusyTimeout: time.Second}, enabled: true},
		{name: "sqlite no path", in: &config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "unknown", in: &config.StorageConfig{Driver: "redis"}, wantErr: true},
	}
	for _, tt := range tests {
		got, enabled, err := mapStorageConfig(&config.Config{Storage: tt.in})
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: err=%v wantErr=%v", tt.name, err, tt.wantErr)
		}
		if enabled != tt.enabled || got != tt.want {
			t.Fatalf("%s: got %+v enabled=%v", tt.name, got, enabled)
		}
	}
}

func TestChatsAndGroupLog(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Telegram: config.TelegramConfig{
		SourceChat:   "-1001",
		TargetChat:   " -1002 ",
		TargetThread: 7,
	}}
	src, target, err := chats(cfg)
	if err != nil {
		t.Fatalf("chats: %v", err)
	}
	if src != -1001 || target != (transport.ChatTarget{ChatID: -1002, ThreadID: 7}) {
		t.Fatalf("src=%d target=%+v", src, target)
	}
	if groupLogTarget(cfg) != 0 {
		t.Fatalf("unset group log must be 0")
	}
	cfg.Telegram.GroupLog = "-42"
	if groupLogTarget(cfg) != -42 {
		t.Fatalf("group log=%d", groupLogTarget(cfg))
	}
}

func TestListen_OnlySourceChat(t *testing.T) {
	t.Parallel()

	q := queue.New(queue.Config{}, nil, transport.ChatTarget{ChatID: -2}, logx.Nop(), nil)
	a := &App{
		log:        logx.Nop(),
		sourceChat: -1,
		queue:      q,
		asm:        assembler.New(q, nil, nil, nil, assembler.Config{}, logx.Nop()),
		updates:    make(chan transport.Update, 4),
	}
	a.updates <- transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{ID: 1, ChatID: -9, Text: "elsewhere"}}
	a.updates <- transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{ID: 2, ChatID: -1, Text: "relay me", Sender: transport.Peer{FirstName: "A"}}}
	a.updates <- transport.Update{Kind: transport.UpdateMessage}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.listen(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(a.updates) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// An empty channel means the relayed message was fully handled.
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("listen: %v", err)
	}
	if n := q.Len(); n != 1 {
		t.Fatalf("queued=%d want 1", n)
	}
}
