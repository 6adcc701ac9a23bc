package classify

import (
	"context"

	"github.com/kestrelhome/unifimon/internal/store"
	"github.com/kestrelhome/unifimon/internal/wake"
)

// Classifier persists Normalized events to the Store and raises the
// dispatcher's wake signal exactly when a freshly inserted event turns
// out to be notify-worthy: the classification used comes from
// the rule table inside the same transaction as the insert, so there is
// no in-memory cache that can go stale.
type Classifier struct {
	Store *store.Store
	Wake  *wake.Signal
}

// Insert stores n and returns the stored row plus whether it was newly
// inserted. On a Duplicate return that is the existing row, per the
// Store's invariant that a re-delivered id still reports its current
// classification. On a fresh insert whose stamped classification is
// "notify" the wake signal is raised; a Duplicate never wakes the
// dispatcher, since it either has already been delivered or is already
// pending.
func (c *Classifier) Insert(ctx context.Context, n Normalized) (store.Event, store.InsertResult, error) {
	ev, res, err := c.Store.InsertEvent(ctx, store.Event{
		ID:        n.ID,
		Source:    n.Source,
		EventType: n.EventType,
		Severity:  n.Severity,
		Summary:   n.Summary,
		Timestamp: n.Timestamp,
		Payload:   n.Payload,
	})
	if err != nil {
		return ev, res, err
	}
	if res == store.Inserted && ev.Classification == "notify" {
		c.Wake.Raise()
	}
	return ev, res, nil
}
