package notify

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kestrelhome/unifimon/internal/store"
	"github.com/kestrelhome/unifimon/internal/wake"
)

type scriptedSender struct {
	mu       sync.Mutex
	attempts map[string]int
	failures map[string]int // number of times to fail before succeeding
}

func newScriptedSender() *scriptedSender {
	return &scriptedSender{attempts: map[string]int{}, failures: map[string]int{}}
}

func (s *scriptedSender) Send(ctx context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[msg.EventID]++
	if s.attempts[msg.EventID] <= s.failures[msg.EventID] {
		return errors.New("simulated chat service failure")
	}
	return nil
}

func (s *scriptedSender) attemptCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts[id]
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestDispatcherDeliversOnFirstSuccess: a single notify-classified
// event reaches notified=true with
// exactly one attempt when the chat service succeeds immediately.
func TestDispatcherDeliversOnFirstSuccess(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetRule(ctx, "motion", "notify"); err != nil {
		t.Fatalf("SetRule: %v", err)
	}
	if _, _, err := s.InsertEvent(ctx, store.Event{ID: "v4", Source: "video", EventType: "motion", Summary: "x", Timestamp: 1}); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	sender := newScriptedSender()
	d := &Dispatcher{Store: s, Sender: sender, Wake: wake.New()}
	d.sweep(ctx, 10)

	ev, err := s.GetEvent(ctx, "v4")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if !ev.Notified {
		t.Fatal("expected event to be notified")
	}
	if ev.NotifyAttempts != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", ev.NotifyAttempts)
	}
}

// TestDispatcherRetriesUntilSuccess: two failures then a success yields
// three attempts and an eventual notified=true.
func TestDispatcherRetriesUntilSuccess(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetRule(ctx, "disk_full", "notify"); err != nil {
		t.Fatalf("SetRule: %v", err)
	}
	if _, _, err := s.InsertEvent(ctx, store.Event{ID: "e1", Source: "host", EventType: "disk_full", Summary: "x", Timestamp: 1}); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	sender := newScriptedSender()
	sender.failures["e1"] = 2

	d := &Dispatcher{Store: s, Sender: sender, Wake: wake.New(), RetryBase: time.Millisecond, RetryCap: 5 * time.Millisecond}
	d.sweep(ctx, 10)

	ev, err := s.GetEvent(ctx, "e1")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if !ev.Notified {
		t.Fatal("expected eventual delivery")
	}
	if got := sender.attemptCount("e1"); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

// TestDispatcherDeadLettersAfterMaxAttempts: an event whose sends
// always fail eventually stops at notify_attempts=MAX
// with notified still false, and is no longer in the pending set.
func TestDispatcherDeadLettersAfterMaxAttempts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetRule(ctx, "link_flap", "notify"); err != nil {
		t.Fatalf("SetRule: %v", err)
	}
	if _, _, err := s.InsertEvent(ctx, store.Event{ID: "e1", Source: "network", EventType: "link_flap", Summary: "x", Timestamp: 1}); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	sender := newScriptedSender()
	sender.failures["e1"] = store.MaxNotifyAttempts() + 5 // always fails

	d := &Dispatcher{Store: s, Sender: sender, Wake: wake.New(), RetryBase: time.Millisecond, RetryCap: 5 * time.Millisecond}
	d.sweep(ctx, 10)

	ev, err := s.GetEvent(ctx, "e1")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if ev.Notified {
		t.Fatal("expected dead-lettered event to remain unnotified")
	}
	if ev.NotifyAttempts != store.MaxNotifyAttempts() {
		t.Fatalf("expected attempts to stop at MAX=%d, got %d", store.MaxNotifyAttempts(), ev.NotifyAttempts)
	}

	pending, err := s.PendingNotifications(ctx, 10)
	if err != nil {
		t.Fatalf("PendingNotifications: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected dead-lettered event excluded from pending, got %d", len(pending))
	}
}

// TestDispatcherWakeTriggersImmediateSweep verifies Run reacts to the
// wake signal rather than waiting out the full sweep interval.
func TestDispatcherWakeTriggersImmediateSweep(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sender := newScriptedSender()
	w := wake.New()
	d := &Dispatcher{Store: s, Sender: sender, Wake: w, SweepInterval: time.Hour}

	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()

	// Give Run time to perform its initial sweep and settle into the
	// select loop before inserting a new event and waking it.
	time.Sleep(10 * time.Millisecond)

	if err := s.SetRule(ctx, "motion", "notify"); err != nil {
		t.Fatalf("SetRule: %v", err)
	}
	if _, _, err := s.InsertEvent(ctx, store.Event{ID: "v1", Source: "video", EventType: "motion", Summary: "x", Timestamp: 1}); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	w.Raise()

	deadline := time.After(2 * time.Second)
	for {
		ev, err := s.GetEvent(ctx, "v1")
		if err == nil && ev.Notified {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for wake-triggered delivery")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
