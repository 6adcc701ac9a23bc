// Package appliance implements the client side of the UniFi appliance's
// session handshake and its two wire transports (text-frame JSON feeds
// and the binary framed/compressed video feed), plus the one-shot
// bootstrap snapshot fetch.
package appliance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/kestrelhome/unifimon/internal/unifierr"
)

// csrfHeader is the anti-CSRF header name the appliance echoes on login
// and expects on every subsequent state-changing request.
const csrfHeader = "X-Csrf-Token"

// Session holds a live appliance cookie jar plus the anti-CSRF token that
// must accompany writes. It is safe for concurrent reads of Fresh; the
// refresh itself is serialised by a singleflight group so a thundering
// herd of 401s from three supervisors collapses into one login.
type Session struct {
	host     string
	username string
	password string

	client *http.Client

	mu     sync.RWMutex
	cookie string
	csrf   string

	group singleflight.Group

	// rootURLOverride / loginURLOverride let tests point Session at an
	// httptest server without rewriting the https-only URL builder.
	rootURLOverride  string
	loginURLOverride string
}

// NewSession constructs a Session for the given appliance host and
// credentials. client may be nil, in which case http.DefaultClient's
// transport settings are reused via a fresh *http.Client.
func NewSession(host, username, password string, client *http.Client) *Session {
	if client == nil {
		client = &http.Client{}
	}
	return &Session{host: host, username: username, password: password, client: client}
}

// Fresh returns the current cookie and CSRF token, authenticating for
// the first time or refreshing after a prior Invalidate call. Concurrent
// callers during a refresh all block on the same in-flight login.
func (s *Session) Fresh(ctx context.Context) (cookie, csrf string, err error) {
	s.mu.RLock()
	cookie, csrf = s.cookie, s.csrf
	s.mu.RUnlock()
	if cookie != "" {
		return cookie, csrf, nil
	}

	v, err, _ := s.group.Do("login", func() (any, error) {
		return s.login(ctx)
	})
	if err != nil {
		return "", "", err
	}
	pair := v.([2]string)
	return pair[0], pair[1], nil
}

// Invalidate clears the cached session so the next Fresh call re-logs in.
// Called by the ingestion supervisor when a feed or bootstrap fetch
// reports AuthFailed.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.cookie, s.csrf = "", ""
	s.mu.Unlock()
}

// login performs the two-step handshake: GET the root page to harvest an
// initial anti-CSRF token, then POST credentials plus that token to the
// login endpoint, retaining the response's session cookie and its
// (possibly rotated) anti-CSRF token.
func (s *Session) login(ctx context.Context) (any, error) {
	rootURL := s.rootURLOverride
	if rootURL == "" {
		rootURL = fmt.Sprintf("https://%s/", s.host)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rootURL, nil)
	if err != nil {
		return nil, unifierr.ConfigError("build csrf probe request", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, unifierr.Transient("fetch csrf token", err)
	}
	csrfTok := resp.Header.Get(csrfHeader)
	_ = resp.Body.Close()

	creds, err := json.Marshal(map[string]string{
		"username": s.username,
		"password": s.password,
	})
	if err != nil {
		return nil, unifierr.ConfigError("encode credentials", err)
	}
	loginURL := s.loginURLOverride
	if loginURL == "" {
		loginURL = fmt.Sprintf("https://%s/api/auth/login", s.host)
	}
	loginReq, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, bytes.NewReader(creds))
	if err != nil {
		return nil, unifierr.ConfigError("build login request", err)
	}
	loginReq.Header.Set("Content-Type", "application/json")
	loginReq.Header.Set(csrfHeader, csrfTok)

	loginResp, err := s.client.Do(loginReq)
	if err != nil {
		return nil, unifierr.Transient("post login", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, loginResp.Body)
		_ = loginResp.Body.Close()
	}()

	switch {
	case loginResp.StatusCode == http.StatusUnauthorized || loginResp.StatusCode == http.StatusForbidden:
		return nil, unifierr.AuthFailed("login", fmt.Errorf("status %d", loginResp.StatusCode))
	case loginResp.StatusCode >= 500:
		return nil, unifierr.Transient("login", fmt.Errorf("status %d", loginResp.StatusCode))
	case loginResp.StatusCode >= 300:
		return nil, unifierr.Transient("login", fmt.Errorf("unexpected status %d", loginResp.StatusCode))
	}

	var sessionCookie string
	for _, c := range loginResp.Cookies() {
		if c.Value != "" {
			sessionCookie = c.String()
			break
		}
	}
	if sessionCookie == "" {
		return nil, unifierr.AuthFailed("login", fmt.Errorf("no session cookie in response"))
	}

	postCSRF := loginResp.Header.Get(csrfHeader)
	if postCSRF == "" {
		postCSRF = csrfTok
	}

	s.mu.Lock()
	s.cookie, s.csrf = sessionCookie, postCSRF
	s.mu.Unlock()

	return [2]string{sessionCookie, postCSRF}, nil
}
