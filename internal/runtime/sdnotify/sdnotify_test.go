package sdnotify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "tgrelay/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) notify(_ bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestNotifier_States(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	n := &Notifier{log: logx.Nop(), notify: r.notify}
	n.Ready()
	n.Status("relaying")
	n.Stopping()
	want := []string{daemon.SdNotifyReady, "STATUS=relaying", daemon.SdNotifyStopping}
	if len(r.states) != len(want) {
		t.Fatalf("states=%q", r.states)
	}
	for i := range want {
		if r.states[i] != want[i] {
			t.Fatalf("states=%q want %q", r.states, want)
		}
	}
}

func TestNotifier_WatchdogPingsWhileHealthy(t *testing.T) {
	t.Parallel()

	r := &recorder{}
	n := &Notifier{
		log:    logx.Nop(),
		notify: r.notify,
		every:  func() (time.Duration, error) { return 10 * time.Millisecond, nil },
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Watchdog(ctx, func() bool { return true })
	}()
	deadline := time.Now().Add(2 * time.Second)
	for r.count(daemon.SdNotifyWatchdog) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if r.count(daemon.SdNotifyWatchdog) < 2 {
		t.Fatalf("expected watchdog pings, got %q", r.states)
	}
}

func TestNotifier_WatchdogDisabled(t *testing.T) {
	t.Parallel()

	n := &Notifier{log: logx.Nop(), every: func() (time.Duration, error) { return 0, nil }}
	n.Watchdog(context.Background(), nil) // returns immediately
}
