package appliance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/kestrelhome/unifimon/internal/unifierr"
)

const (
	textFeedReadLimit    = 4 << 20 // 4MiB, generous for a single JSON event frame
	textFeedPingPeriod   = 30 * time.Second
	textFeedWriteTimeout = 10 * time.Second
)

// RawFrame is one decoded frame from a feed transport, handed to the
// normaliser unopinionated about its source-specific shape.
type RawFrame struct {
	Data []byte
}

// TextFeed is a persistent JSON text-frame channel to one of the
// network or host-OS event feeds. Callers drive it with Run, which
// blocks until ctx is cancelled or a terminal error occurs; frames are
// delivered to onFrame as they arrive.
type TextFeed struct {
	URL    string // feed URL with scheme wss/ws, host, and path; query params are appended per connect
	Cookie string
	CSRF   string

	// HTTPClient performs the dial handshake; nil means
	// http.DefaultClient. Appliances serve a self-signed certificate,
	// so main wires a client whose transport accepts it.
	HTTPClient *http.Client
}

// Run dials the feed with the given resume cursor attached as a query
// parameter, then reads frames until ctx is cancelled, the connection
// errors, or a read exceeds textFeedReadLimit. It returns a single
// terminal error describing why the channel ended, per the transport
// contract: every close or decode failure collapses to one error value
// the supervisor can classify.
func (f *TextFeed) Run(ctx context.Context, cursor string, onFrame func(RawFrame) error) error {
	dialURL, err := f.dialURL(cursor)
	if err != nil {
		return unifierr.ProtocolViolation("build text feed url", err)
	}

	opts := &websocket.DialOptions{
		HTTPClient: f.HTTPClient,
		HTTPHeader: map[string][]string{
			"Cookie": {f.Cookie},
		},
	}
	if f.CSRF != "" {
		opts.HTTPHeader.Set(csrfHeader, f.CSRF)
	}

	conn, resp, err := websocket.Dial(ctx, dialURL, opts)
	if err != nil {
		if resp != nil && (resp.StatusCode == 401 || resp.StatusCode == 403) {
			return unifierr.AuthFailed("text feed dial", err)
		}
		return unifierr.Transient("text feed dial", err)
	}
	conn.SetReadLimit(textFeedReadLimit)
	defer conn.CloseNow()

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go f.pingLoop(pingCtx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return classifyCloseError(err)
		}

		if !json.Valid(data) {
			return unifierr.ProtocolViolation("text feed frame", fmt.Errorf("invalid json frame"))
		}
		if isInlinePing(data) {
			writeCtx, cancel := context.WithTimeout(ctx, textFeedWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, inlinePongFrame)
			cancel()
			if err != nil {
				return classifyCloseError(err)
			}
			continue
		}
		if err := onFrame(RawFrame{Data: data}); err != nil {
			return err
		}
	}
}

// inlinePongFrame is the application-level reply sent for every inline
// {"type":"ping"} JSON frame the appliance emits, distinct from the
// outbound WS-control-frame pings pingLoop initiates.
var inlinePongFrame = []byte(`{"type":"pong"}`)

// isInlinePing reports whether data is an application-level keepalive
// ping frame rather than an event frame, per the feed's requirement that
// a pong be sent in reply to any inline ping.
func isInlinePing(data []byte) bool {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.Type == "ping"
}

func (f *TextFeed) dialURL(cursor string) (string, error) {
	u, err := url.Parse(f.URL)
	if err != nil {
		return "", err
	}
	if cursor != "" {
		q := u.Query()
		q.Set("lastUpdateId", cursor)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// pingLoop sends transport-level WS control-frame pings at
// textFeedPingPeriod; the coder/websocket client answers control-frame
// pongs transparently. This is separate from the inline JSON
// {"type":"ping"}/{"type":"pong"} exchange Run answers inline, since the
// appliance's real-time feeds use both keepalive mechanisms.
func (f *TextFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(textFeedPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, textFeedWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// classifyCloseError maps a websocket close/read error to the taxonomy
// the supervisor dispatches on. coder/websocket surfaces a close status
// code we can inspect for auth rejections versus ordinary disconnects.
func classifyCloseError(err error) error {
	if code := websocket.CloseStatus(err); code == websocket.StatusPolicyViolation {
		return unifierr.AuthFailed("text feed closed", err)
	}
	return unifierr.Transient("text feed closed", err)
}
