package ingest

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrelhome/unifimon/internal/appliance"
	"github.com/kestrelhome/unifimon/internal/classify"
	"github.com/kestrelhome/unifimon/internal/store"
	"github.com/kestrelhome/unifimon/internal/unifierr"
	"github.com/kestrelhome/unifimon/internal/wake"
)

type fakeSession struct {
	invalidated int32
}

func (f *fakeSession) Fresh(ctx context.Context) (string, string, error) {
	return "cookie", "csrf", nil
}
func (f *fakeSession) Invalidate() { atomic.AddInt32(&f.invalidated, 1) }

type fakeBootstrap struct {
	snap appliance.BootstrapSnapshot
	err  error
}

func (f *fakeBootstrap) Fetch(ctx context.Context, cookie, csrf string) (appliance.BootstrapSnapshot, error) {
	return f.snap, f.err
}

// fakeFeed streams a scripted sequence of Normalized events, then an
// error (possibly nil).
type fakeFeed struct {
	events []classify.Normalized
	err    error
}

func (f *fakeFeed) Stream(ctx context.Context, cookie, csrf, cursor string, onEvent func(classify.Normalized) error) error {
	for _, ev := range f.events {
		if err := onEvent(ev); err != nil {
			return err
		}
	}
	return f.err
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

func decodeHostSnapshot(raw json.RawMessage) (classify.Normalized, error) {
	return classify.NormalizeHostSnapshot(raw)
}

// TestSupervisorBootstrapsColdStart: with no stored cursor the
// supervisor bootstraps, persists the snapshot events, and advances the
// cursor to the snapshot's lastUpdateId.
func TestSupervisorBootstrapsColdStart(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	snap := appliance.BootstrapSnapshot{
		LastUpdateID: "b3",
		Events: []json.RawMessage{
			json.RawMessage(`{"type":"boot","id":"b1","ts":1}`),
			json.RawMessage(`{"type":"boot","id":"b2","ts":2}`),
			json.RawMessage(`{"type":"boot","id":"b3","ts":3}`),
		},
	}

	sv := &Supervisor{
		Source:               "host",
		Session:              &fakeSession{},
		Store:                s,
		Classifier:           &classify.Classifier{Store: s, Wake: wake.New()},
		Feed:                 &fakeFeed{err: context.Canceled},
		Bootstrap:            &fakeBootstrap{snap: snap},
		DecodeBootstrapEvent: decodeHostSnapshot,
		BackoffBase:          time.Millisecond,
		BackoffCap:           5 * time.Millisecond,
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_ = sv.Run(ctx)

	n, err := s.CountEvents(context.Background(), store.EventFilter{})
	if err != nil {
		t.Fatalf("CountEvents: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 bootstrap events stored, got %d", n)
	}

	cursor, err := s.GetCursor(context.Background(), "host")
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if cursor.LastUpdateID != "b3" {
		t.Fatalf("expected cursor advanced to b3, got %q", cursor.LastUpdateID)
	}
}

// TestSupervisorStreamAdvancesCursorPerEvent exercises the Streaming
// state: each persisted event advances the cursor to its own id.
func TestSupervisorStreamAdvancesCursorPerEvent(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	if err := s.AdvanceCursor(context.Background(), "network", "seed"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	events := []classify.Normalized{
		{ID: "n1", Source: "network", EventType: "network.link_down", Summary: "x", Timestamp: 1},
		{ID: "n2", Source: "network", EventType: "network.link_up", Summary: "y", Timestamp: 2},
	}

	sv := &Supervisor{
		Source:      "network",
		Session:     &fakeSession{},
		Store:       s,
		Classifier:  &classify.Classifier{Store: s, Wake: wake.New()},
		Feed:        &fakeFeed{events: events, err: context.Canceled},
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_ = sv.Run(ctx)

	cursor, err := s.GetCursor(context.Background(), "network")
	if err != nil {
		t.Fatalf("GetCursor: %v", err)
	}
	if cursor.LastUpdateID != "n2" {
		t.Fatalf("expected cursor advanced to last streamed event n2, got %q", cursor.LastUpdateID)
	}
}

// TestSupervisorCursorUnknownTriggersRebootstrap exercises the
// Attach-rejection branch of the state machine: a CursorUnknown error
// from the feed should trigger a fresh bootstrap rather than a plain
// backoff-and-retry.
func TestSupervisorCursorUnknownTriggersRebootstrap(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	if err := s.AdvanceCursor(context.Background(), "host", "stale"); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}

	bootstrapFetched := make(chan struct{}, 1)
	sv := &Supervisor{
		Source:     "host",
		Session:    &fakeSession{},
		Store:      s,
		Classifier: &classify.Classifier{Store: s, Wake: wake.New()},
		Feed:       &fakeFeed{err: unifierr.CursorUnknown("stream", context.DeadlineExceeded)},
		Bootstrap: &recordingBootstrap{
			snap: appliance.BootstrapSnapshot{LastUpdateID: "fresh"},
			done: bootstrapFetched,
		},
		DecodeBootstrapEvent: decodeHostSnapshot,
		BackoffBase:          time.Millisecond,
		BackoffCap:           5 * time.Millisecond,
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_ = sv.Run(ctx)

	select {
	case <-bootstrapFetched:
	default:
		t.Fatal("expected bootstrap to be re-fetched after CursorUnknown")
	}
}

type recordingBootstrap struct {
	snap appliance.BootstrapSnapshot
	done chan struct{}
}

func (r *recordingBootstrap) Fetch(ctx context.Context, cookie, csrf string) (appliance.BootstrapSnapshot, error) {
	select {
	case r.done <- struct{}{}:
	default:
	}
	return r.snap, nil
}
