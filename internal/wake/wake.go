// Package wake provides a minimal non-blocking wake signal used to connect
// the classifier (which knows the moment a notify-worthy event lands) to
// the notification dispatcher (which would otherwise only discover it on
// its next timer tick). It intentionally carries no payload: the dispatcher
// always re-reads the pending set from the Store, so a coalesced signal
// that is only ever "wake up and look again" is sufficient. Durability in
// the Store decouples ingestion from notification; no bounded channel sits
// between them.
package wake

// Signal is a single-slot, non-blocking wake channel. Multiple Raise calls
// before the receiver drains collapse into a single wakeup.
type Signal struct {
	ch chan struct{}
}

// New creates a ready-to-use Signal.
func New() *Signal {
	return &Signal{ch: make(chan struct{}, 1)}
}

// Raise signals the receiver without blocking. If a signal is already
// pending, this is a no-op.
func (s *Signal) Raise() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// C returns the channel to select on.
func (s *Signal) C() <-chan struct{} {
	return s.ch
}
