// Package ingest runs one ingestion supervisor per appliance feed: a
// bootstrap, attach, stream state machine backed by the session
// authenticator, the text/binary transports, and the normaliser.
package ingest

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/kestrelhome/unifimon/internal/appliance"
	"github.com/kestrelhome/unifimon/internal/classify"
)

// Feed abstracts the two transport shapes (text-frame JSON, binary
// framed/compressed) behind one streaming contract so the Supervisor's
// state machine doesn't need to know which wire format a source uses.
type Feed interface {
	Stream(ctx context.Context, cookie, csrf, cursor string, onEvent func(classify.Normalized) error) error
}

// TextFeedAdapter streams a text-frame JSON feed and normalises each
// frame with normalize.
type TextFeedAdapter struct {
	URL       string
	Client    *http.Client
	Normalize func(appliance.RawFrame) (classify.Normalized, error)
}

func (a *TextFeedAdapter) Stream(ctx context.Context, cookie, csrf, cursor string, onEvent func(classify.Normalized) error) error {
	feed := &appliance.TextFeed{URL: a.URL, Cookie: cookie, CSRF: csrf, HTTPClient: a.Client}
	return feed.Run(ctx, cursor, func(raw appliance.RawFrame) error {
		n, err := a.Normalize(raw)
		if err != nil {
			return err
		}
		return onEvent(n)
	})
}

// BinaryFeedAdapter streams the binary video feed and normalises each
// decoded (action, payload) message pair.
type BinaryFeedAdapter struct {
	URL             string
	Client          *http.Client
	MaxFramePayload int
}

func (a *BinaryFeedAdapter) Stream(ctx context.Context, cookie, csrf, cursor string, onEvent func(classify.Normalized) error) error {
	feed := &appliance.BinaryFeed{URL: a.URL, Cookie: cookie, CSRF: csrf, HTTPClient: a.Client, MaxFramePayload: a.MaxFramePayload}
	return feed.Run(ctx, cursor, func(msg appliance.Message) error {
		n, err := classify.NormalizeVideo(msg)
		if err != nil {
			return err
		}
		return onEvent(n)
	})
}

// BootstrapEventDecoder turns one raw bootstrap snapshot event into a
// Normalized event, reusing the same per-source normalisation rules the
// streaming path uses.
type BootstrapEventDecoder func(json.RawMessage) (classify.Normalized, error)
