// Package classify normalises raw appliance frames into canonical Events,
// derives a stable id for frames the appliance does not id itself, and
// persists the result through the Store, raising the notification wake
// signal when a freshly inserted event is notify-worthy.
package classify

import "encoding/json"

// canonicalJSON re-encodes raw so two semantically identical payloads
// that differ only in object key order produce identical bytes:
// encoding/json sorts map keys on marshal, so a decode/re-encode round
// trip is enough. Numbers pass through float64, which is consistent as
// long as every hash input takes the same path.
func canonicalJSON(raw []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
