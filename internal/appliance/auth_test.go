package appliance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kestrelhome/unifimon/internal/unifierr"
)

func newTestApplianceServer(t *testing.T, loginStatus int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(csrfHeader, "csrf-initial")
	})
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(csrfHeader) != "csrf-initial" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if loginStatus != http.StatusOK {
			w.WriteHeader(loginStatus)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "unifises", Value: "sess-token"})
		w.Header().Set(csrfHeader, "csrf-rotated")
		w.WriteHeader(http.StatusOK)
	})
	return httptest.NewServer(mux)
}

func TestSessionFreshLogsInAndCaches(t *testing.T) {
	srv := newTestApplianceServer(t, http.StatusOK)
	defer srv.Close()

	host := stripScheme(srv.URL)
	sess := &Session{host: host, username: "admin", password: "hunter2", client: srv.Client()}
	sess.loginURLOverride = srv.URL + "/api/auth/login"
	sess.rootURLOverride = srv.URL + "/"

	cookie, csrf, err := sess.Fresh(context.Background())
	if err != nil {
		t.Fatalf("Fresh: %v", err)
	}
	if csrf != "csrf-rotated" {
		t.Fatalf("expected rotated csrf token, got %q", csrf)
	}
	if cookie == "" {
		t.Fatal("expected non-empty cookie")
	}

	cookie2, _, err := sess.Fresh(context.Background())
	if err != nil {
		t.Fatalf("second Fresh: %v", err)
	}
	if cookie2 != cookie {
		t.Fatalf("expected cached cookie to be reused, got different value")
	}
}

func TestSessionFreshAuthFailed(t *testing.T) {
	srv := newTestApplianceServer(t, http.StatusUnauthorized)
	defer srv.Close()

	sess := &Session{host: stripScheme(srv.URL), username: "admin", password: "wrong", client: srv.Client()}
	sess.loginURLOverride = srv.URL + "/api/auth/login"
	sess.rootURLOverride = srv.URL + "/"

	_, _, err := sess.Fresh(context.Background())
	if !unifierr.Is(err, unifierr.ClassAuthFailed) {
		t.Fatalf("expected AuthFailed class, got %v", err)
	}
}

func TestSessionInvalidateForcesRelogin(t *testing.T) {
	srv := newTestApplianceServer(t, http.StatusOK)
	defer srv.Close()

	sess := &Session{host: stripScheme(srv.URL), username: "admin", password: "hunter2", client: srv.Client()}
	sess.loginURLOverride = srv.URL + "/api/auth/login"
	sess.rootURLOverride = srv.URL + "/"

	if _, _, err := sess.Fresh(context.Background()); err != nil {
		t.Fatalf("Fresh: %v", err)
	}
	sess.Invalidate()

	cookie, _, err := sess.Fresh(context.Background())
	if err != nil {
		t.Fatalf("Fresh after invalidate: %v", err)
	}
	if cookie == "" {
		t.Fatal("expected a fresh cookie after invalidate")
	}
}

func stripScheme(u string) string {
	for i := 0; i < len(u); i++ {
		if u[i] == ':' {
			return u[i+3:]
		}
	}
	return u
}
