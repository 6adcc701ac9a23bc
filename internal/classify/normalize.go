package classify

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kestrelhome/unifimon/internal/appliance"
)

// Source names match the three appliance feeds and are used as both the
// stored Event.source value and the event_type prefix that keeps
// identically-named events from different feeds from colliding.
const (
	SourceVideo   = "video"
	SourceNetwork = "network"
	SourceHost    = "host"
)

// Normalized holds the canonical fields derived from one raw frame,
// ready to hand to the Store. Classification is filled in by the Store
// transaction itself (the current rule for EventType), never here.
type Normalized struct {
	ID        string
	Source    string
	EventType string
	Severity  string
	Summary   string
	Timestamp int64
	Payload   string
}

// NormalizeVideo maps one decoded (action, payload) pair from the binary
// video feed into a canonical event. event_type is the source tag followed
// by subject and verb so that, e.g., "video.camera-1.motion" and
// "video.camera-1.offline" are distinguishable event types from the same
// subject.
func NormalizeVideo(msg appliance.Message) (Normalized, error) {
	var action struct {
		Subject  string `json:"subject"`
		UpdateID string `json:"updateId"`
		Verb     string `json:"verb"`
		Time     int64  `json:"time"`
	}
	if err := json.Unmarshal(msg.Action.Raw, &action); err != nil {
		return Normalized{}, fmt.Errorf("decode video action frame: %w", err)
	}

	eventType := SourceVideo + "." + action.Subject
	if action.Verb != "" {
		eventType = eventType + "." + action.Verb
	}

	summary := strings.TrimSpace(fmt.Sprintf("%s %s", action.Subject, action.Verb))
	if summary == "" {
		summary = eventType
	}

	n := Normalized{
		ID:        action.UpdateID,
		Source:    SourceVideo,
		EventType: eventType,
		Summary:   summary,
		Timestamp: action.Time,
		Payload:   string(msg.Payload.Raw),
	}
	return finish(n)
}

// NormalizeVideoSnapshot maps one event from the video feed's bootstrap
// snapshot into a canonical event. The bootstrap endpoint flattens the
// action/payload pair the live channel sends separately into one object.
func NormalizeVideoSnapshot(raw json.RawMessage) (Normalized, error) {
	var w struct {
		Subject  string          `json:"subject"`
		UpdateID string          `json:"updateId"`
		Verb     string          `json:"verb"`
		Time     int64           `json:"time"`
		Payload  json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return Normalized{}, fmt.Errorf("decode video snapshot event: %w", err)
	}

	eventType := SourceVideo + "." + w.Subject
	if w.Verb != "" {
		eventType = eventType + "." + w.Verb
	}
	summary := strings.TrimSpace(fmt.Sprintf("%s %s", w.Subject, w.Verb))
	if summary == "" {
		summary = eventType
	}

	n := Normalized{
		ID:        w.UpdateID,
		Source:    SourceVideo,
		EventType: eventType,
		Summary:   summary,
		Timestamp: w.Time,
		Payload:   string(w.Payload),
	}
	return finish(n)
}

// networkWire is the shape of one network feed event after JSON decode.
type networkWire struct {
	Key       string `json:"key"`
	ID        string `json:"_id"`
	Msg       string `json:"msg"`
	Severity  string `json:"severity"`
	Timestamp int64  `json:"time"`
}

// NormalizeNetwork maps one decoded text-feed frame from the network
// subsystem into a canonical event, prefixing event_type with the
// network source tag and using the wire's own event key as the type.
func NormalizeNetwork(frame appliance.RawFrame) (Normalized, error) {
	var w networkWire
	if err := json.Unmarshal(frame.Data, &w); err != nil {
		return Normalized{}, fmt.Errorf("decode network frame: %w", err)
	}

	n := Normalized{
		ID:        w.ID,
		Source:    SourceNetwork,
		EventType: SourceNetwork + "." + w.Key,
		Severity:  w.Severity,
		Summary:   w.Msg,
		Timestamp: w.Timestamp,
		Payload:   string(frame.Data),
	}
	return finish(n)
}

// NormalizeNetworkSnapshot maps one event from the network feed's
// bootstrap snapshot; the snapshot shape matches the live frame shape.
func NormalizeNetworkSnapshot(raw json.RawMessage) (Normalized, error) {
	return NormalizeNetwork(appliance.RawFrame{Data: raw})
}

// hostWire is the shape of one host-OS feed event after JSON decode.
type hostWire struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Message   string `json:"message"`
	Level     string `json:"level"`
	Timestamp int64  `json:"ts"`
}

// NormalizeHost maps one decoded text-feed frame from the host-OS
// subsystem into a canonical event.
func NormalizeHost(frame appliance.RawFrame) (Normalized, error) {
	var w hostWire
	if err := json.Unmarshal(frame.Data, &w); err != nil {
		return Normalized{}, fmt.Errorf("decode host frame: %w", err)
	}

	n := Normalized{
		ID:        w.ID,
		Source:    SourceHost,
		EventType: SourceHost + "." + w.Type,
		Severity:  w.Level,
		Summary:   w.Message,
		Timestamp: w.Timestamp,
		Payload:   string(frame.Data),
	}
	return finish(n)
}

// NormalizeHostSnapshot maps one event from the host-OS feed's bootstrap
// snapshot; the snapshot shape matches the live frame shape.
func NormalizeHostSnapshot(raw json.RawMessage) (Normalized, error) {
	return NormalizeHost(appliance.RawFrame{Data: raw})
}

// finish fills in a content-hash id when the wire didn't supply one, and
// guarantees Summary is never empty.
func finish(n Normalized) (Normalized, error) {
	if n.Summary == "" {
		n.Summary = n.EventType
	}
	if n.ID == "" {
		id, err := contentHashID(n.Source, n.EventType, n.Timestamp, n.Payload)
		if err != nil {
			return Normalized{}, err
		}
		n.ID = id
	}
	return n, nil
}

// contentHashID derives a stable id for a frame the appliance did not id
// itself: sha256 over the source, event type, timestamp, and the
// canonically key-sorted re-encoding of payload, so byte-for-byte
// identical logical events always hash the same regardless of map key
// iteration order upstream.
func contentHashID(source, eventType string, timestamp int64, payload string) (string, error) {
	canon, err := canonicalJSON([]byte(payload))
	if err != nil {
		// Not all payloads are JSON objects (host feed may emit plain
		// text); fall back to hashing the raw bytes.
		canon = []byte(payload)
	}

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d|", source, eventType, timestamp)
	h.Write(canon)
	return hex.EncodeToString(h.Sum(nil)), nil
}
