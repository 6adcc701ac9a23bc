package appliance

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/coder/websocket"

	"github.com/kestrelhome/unifimon/internal/unifierr"
)

const (
	binaryFeedReadLimit = 16 << 20 // 16MiB raw frame cap at the websocket layer
	headerSize          = 8

	kindAction  = 1
	kindPayload = 2

	formatJSON  = 1
	formatText  = 2
	formatBytes = 3
)

// defaultMaxFramePayload bounds the decompressed payload size so a
// malicious or corrupted length field can't exhaust memory.
const defaultMaxFramePayload = 8 << 20 // 8MiB

// ActionFrame describes the subject of an upcoming DataFrame: what the
// event is about, the feed's update id for it, and the verb (add,
// update, remove) describing the action. Raw is the decoded JSON body;
// the normaliser extracts the fields it needs per source.
type ActionFrame struct {
	Raw []byte
}

// DataFrame carries the event body matching the preceding ActionFrame.
type DataFrame struct {
	Format Format
	Raw    []byte
}

// Format identifies how a DataFrame's Raw bytes are encoded.
type Format int

const (
	FormatJSON  Format = formatJSON
	FormatText  Format = formatText
	FormatBytes Format = formatBytes
)

// Message is one logical (action, payload) pair decoded from the video
// feed's binary protocol.
type Message struct {
	Action  ActionFrame
	Payload DataFrame
}

// BinaryFeed is a persistent binary-frame channel carrying the video
// feed's framed/compressed wire protocol: each logical
// message is a pair of frames, each preceded by an 8-byte header
// (kind, format, compressed flag, reserved byte, big-endian uint32
// length).
type BinaryFeed struct {
	URL             string
	Cookie          string
	CSRF            string
	MaxFramePayload int // 0 means defaultMaxFramePayload

	// HTTPClient performs the dial handshake; nil means
	// http.DefaultClient. See TextFeed.HTTPClient.
	HTTPClient *http.Client
}

// Run dials the feed with the resume cursor attached, then reads frame
// pairs until ctx is cancelled or a terminal condition is hit. Any
// malformed header (non-zero reserved byte, unknown kind/format,
// inflate failure, or a length exceeding MaxFramePayload) is a
// ProtocolViolation that forces the channel closed so the supervisor
// resynchronises via reconnect.
func (f *BinaryFeed) Run(ctx context.Context, cursor string, onMessage func(Message) error) error {
	dialURL, err := f.dialURL(cursor)
	if err != nil {
		return unifierr.ProtocolViolation("build binary feed url", err)
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
			return unifierr.AuthFailed("binary feed dial", err)
		}
		return unifierr.Transient("binary feed dial", err)
	}
	conn.SetReadLimit(binaryFeedReadLimit)
	defer conn.CloseNow()

	for {
		action, err := f.readFrame(ctx, conn)
		if err != nil {
			return err
		}
		if action.kind != kindAction {
			return unifierr.ProtocolViolation("binary feed", fmt.Errorf("expected action frame, got kind %d", action.kind))
		}

		payload, err := f.readFrame(ctx, conn)
		if err != nil {
			return err
		}
		if payload.kind != kindPayload {
			return unifierr.ProtocolViolation("binary feed", fmt.Errorf("expected payload frame, got kind %d", payload.kind))
		}

		msg := Message{
			Action:  ActionFrame{Raw: action.body},
			Payload: DataFrame{Format: Format(payload.format), Raw: payload.body},
		}
		if err := onMessage(msg); err != nil {
			return err
		}
	}
}

type decodedFrame struct {
	kind   byte
	format byte
	body   []byte
}

func (f *BinaryFeed) readFrame(ctx context.Context, conn *websocket.Conn) (decodedFrame, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return decodedFrame{}, ctx.Err()
		}
		return decodedFrame{}, classifyCloseError(err)
	}
	return f.decode(data)
}

// decode parses the 8-byte header plus payload out of a single websocket
// message. The appliance protocol places exactly one framed message per
// websocket binary frame.
func (f *BinaryFeed) decode(data []byte) (decodedFrame, error) {
	if len(data) < headerSize {
		return decodedFrame{}, unifierr.ProtocolViolation("binary feed header", fmt.Errorf("short frame: %d bytes", len(data)))
	}

	kind := data[0]
	format := data[1]
	compressed := data[2]
	reserved := data[3]
	length := binary.BigEndian.Uint32(data[4:8])

	if reserved != 0 {
		return decodedFrame{}, unifierr.ProtocolViolation("binary feed header", fmt.Errorf("reserved byte non-zero: %d", reserved))
	}
	if kind != kindAction && kind != kindPayload {
		return decodedFrame{}, unifierr.ProtocolViolation("binary feed header", fmt.Errorf("unknown kind: %d", kind))
	}
	if format != formatJSON && format != formatText && format != formatBytes {
		return decodedFrame{}, unifierr.ProtocolViolation("binary feed header", fmt.Errorf("unknown format: %d", format))
	}
	if compressed != 0 && compressed != 1 {
		return decodedFrame{}, unifierr.ProtocolViolation("binary feed header", fmt.Errorf("invalid compressed flag: %d", compressed))
	}

	maxPayload := f.MaxFramePayload
	if maxPayload <= 0 {
		maxPayload = defaultMaxFramePayload
	}
	if int(length) > maxPayload {
		return decodedFrame{}, unifierr.ProtocolViolation("binary feed header", fmt.Errorf("payload length %d exceeds cap %d", length, maxPayload))
	}

	body := data[headerSize:]
	if len(body) != int(length) {
		return decodedFrame{}, unifierr.ProtocolViolation("binary feed header", fmt.Errorf("declared length %d does not match body %d", length, len(body)))
	}

	if compressed == 1 {
		inflated, err := inflate(body, maxPayload)
		if err != nil {
			return decodedFrame{}, unifierr.ProtocolViolation("binary feed inflate", err)
		}
		body = inflated
	}

	return decodedFrame{kind: kind, format: format, body: body}, nil
}

func inflate(compressed []byte, maxPayload int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	limited := io.LimitReader(r, int64(maxPayload)+1)
	out, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(out) > maxPayload {
		return nil, fmt.Errorf("inflated payload exceeds cap %d", maxPayload)
	}
	return out, nil
}

func (f *BinaryFeed) dialURL(cursor string) (string, error) {
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
