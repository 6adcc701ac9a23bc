package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kestrelhome/unifimon/internal/appliance"
	"github.com/kestrelhome/unifimon/internal/classify"
	"github.com/kestrelhome/unifimon/internal/store"
	"github.com/kestrelhome/unifimon/internal/unifierr"
)

const (
	defaultBackoffBase = 1 * time.Second
	defaultBackoffCap  = 60 * time.Second
)

// Sessioner is the subset of *appliance.Session the supervisor depends
// on, narrowed to an interface so tests can substitute a fake that never
// touches the network.
type Sessioner interface {
	Fresh(ctx context.Context) (cookie, csrf string, err error)
	Invalidate()
}

// Bootstrapper is the subset of *appliance.BootstrapFetcher the
// supervisor depends on.
type Bootstrapper interface {
	Fetch(ctx context.Context, cookie, csrf string) (appliance.BootstrapSnapshot, error)
}

// Supervisor is one instance of the per-source ingestion state machine:
// bootstrap, attach with the stored cursor, stream, and fall back to
// backoff on any terminal error, resynchronising via a fresh bootstrap
// when the feed rejects the cursor outright.
type Supervisor struct {
	Source string

	Session    Sessioner
	Store      *store.Store
	Classifier *classify.Classifier

	Feed                 Feed
	Bootstrap            Bootstrapper
	DecodeBootstrapEvent BootstrapEventDecoder

	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Run drives the state machine until ctx is cancelled and then returns
// ctx.Err(): every other terminal condition is absorbed into a
// backoff-and-retry loop; a feed outage must never take the process down.
func (sv *Supervisor) Run(ctx context.Context) error {
	base, backoffCap := sv.BackoffBase, sv.BackoffCap
	if base == 0 {
		base = defaultBackoffBase
	}
	if backoffCap == 0 {
		backoffCap = defaultBackoffCap
	}
	bo := newBackoff(base, backoffCap)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cursor, err := sv.Store.GetCursor(ctx, sv.Source)
		switch {
		case err == nil:
			// have a cursor, attempt to attach directly
		case errors.Is(err, sql.ErrNoRows):
			if err := sv.runBootstrap(ctx); err != nil {
				if sv.handleTerminal(ctx, bo, err) {
					return ctx.Err()
				}
				continue
			}
			cursor, err = sv.Store.GetCursor(ctx, sv.Source)
			if err != nil {
				// Bootstrap succeeded but advanced no cursor (empty
				// snapshot); stream from empty cursor, the appliance
				// treats that as "from now".
				cursor = store.Cursor{}
			}
		default:
			log.Printf("[%s] cursor lookup failed: %v", sv.Source, err)
			if sv.handleTerminal(ctx, bo, err) {
				return ctx.Err()
			}
			continue
		}

		streamErr := sv.runStream(ctx, cursor.LastUpdateID, bo)
		if streamErr == nil {
			continue
		}

		switch unifierr.ClassOf(streamErr) {
		case unifierr.ClassCursorUnknown:
			log.Printf("[%s] cursor rejected, re-bootstrapping", sv.Source)
			if err := sv.runBootstrap(ctx); err != nil {
				if sv.handleTerminal(ctx, bo, err) {
					return ctx.Err()
				}
			}
			continue
		default:
			if sv.handleTerminal(ctx, bo, streamErr) {
				return ctx.Err()
			}
		}
	}
}

// handleTerminal classifies err, invalidates the session on auth
// failure, and waits out a backoff delay. It returns true if ctx is
// already cancelled or is cancelled while waiting, signalling the caller
// to stop.
func (sv *Supervisor) handleTerminal(ctx context.Context, bo *backoff, err error) bool {
	if ctx.Err() != nil {
		return true
	}

	class := unifierr.ClassOf(err)
	if class == unifierr.ClassAuthFailed {
		sv.Session.Invalidate()
	}
	log.Printf("[%s] ingestion error (%v): %v", sv.Source, class, err)

	delay := bo.Next()
	select {
	case <-ctx.Done():
		return true
	case <-time.After(delay):
		return false
	}
}

// runBootstrap fetches the snapshot, replays its events through the
// classifier (dedup in the Store makes this idempotent), and advances
// the cursor to the snapshot's lastUpdateId.
func (sv *Supervisor) runBootstrap(ctx context.Context) error {
	cookie, csrf, err := sv.Session.Fresh(ctx)
	if err != nil {
		return err
	}

	snap, err := sv.Bootstrap.Fetch(ctx, cookie, csrf)
	if err != nil {
		if unifierr.ClassOf(err) == unifierr.ClassAuthFailed {
			sv.Session.Invalidate()
		}
		return err
	}

	for _, raw := range snap.Events {
		n, err := sv.decodeEvent(raw)
		if err != nil {
			log.Printf("[%s] skipping malformed bootstrap event: %v", sv.Source, err)
			continue
		}
		if _, _, err := sv.Classifier.Insert(ctx, n); err != nil {
			return unifierr.StoreError("bootstrap insert", err)
		}
	}

	if snap.LastUpdateID != "" {
		if err := sv.Store.AdvanceCursor(ctx, sv.Source, snap.LastUpdateID); err != nil {
			return err
		}
	}
	return nil
}

func (sv *Supervisor) decodeEvent(raw json.RawMessage) (classify.Normalized, error) {
	if sv.DecodeBootstrapEvent == nil {
		return classify.Normalized{}, fmt.Errorf("no bootstrap decoder configured for source %s", sv.Source)
	}
	return sv.DecodeBootstrapEvent(raw)
}

// runStream attaches with cursor and consumes the feed until it ends.
// Every successfully persisted event advances the cursor before the next
// frame is read, and a streaming run that persists at least one event
// resets the backoff.
func (sv *Supervisor) runStream(ctx context.Context, cursor string, bo *backoff) error {
	cookie, csrf, err := sv.Session.Fresh(ctx)
	if err != nil {
		return err
	}

	persistedAny := false
	err = sv.Feed.Stream(ctx, cookie, csrf, cursor, func(n classify.Normalized) error {
		if _, _, err := sv.Classifier.Insert(ctx, n); err != nil {
			return unifierr.StoreError("stream insert", err)
		}
		if err := sv.Store.AdvanceCursor(ctx, sv.Source, n.ID); err != nil {
			return err
		}
		persistedAny = true
		return nil
	})

	if persistedAny {
		bo.Reset()
	}
	if err == nil {
		return nil
	}
	if unifierr.ClassOf(err) == unifierr.ClassAuthFailed {
		sv.Session.Invalidate()
	}
	return err
}
