package appliance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kestrelhome/unifimon/internal/unifierr"
)

const bootstrapTimeout = 15 * time.Second

// BootstrapSnapshot is the response of a one-shot bootstrap fetch: the
// resume cursor to attach with next, plus the recent events to replay
// through the normaliser so the store catches up on anything missed
// while disconnected.
type BootstrapSnapshot struct {
	LastUpdateID string            `json:"lastUpdateId"`
	Events       []json.RawMessage `json:"events"`
}

// BootstrapFetcher performs the one-shot authenticated GET that seeds or
// recovers a source's cursor.
type BootstrapFetcher struct {
	URL    string
	Client *http.Client
}

// Fetch retrieves the current snapshot for this source.
func (b *BootstrapFetcher) Fetch(ctx context.Context, cookie, csrf string) (BootstrapSnapshot, error) {
	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}

	ctx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.URL, nil)
	if err != nil {
		return BootstrapSnapshot{}, unifierr.ConfigError("build bootstrap request", err)
	}
	req.Header.Set("Cookie", cookie)
	if csrf != "" {
		req.Header.Set(csrfHeader, csrf)
	}

	resp, err := client.Do(req)
	if err != nil {
		return BootstrapSnapshot{}, unifierr.Transient("bootstrap fetch", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, resp.Body)
		return BootstrapSnapshot{}, unifierr.AuthFailed("bootstrap fetch", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, resp.Body)
		return BootstrapSnapshot{}, unifierr.Transient("bootstrap fetch", fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		return BootstrapSnapshot{}, unifierr.Transient("bootstrap fetch", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var snap BootstrapSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return BootstrapSnapshot{}, unifierr.ProtocolViolation("bootstrap decode", err)
	}
	return snap, nil
}
