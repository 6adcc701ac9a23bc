package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kestrelhome/unifimon/internal/notify"
	"github.com/kestrelhome/unifimon/internal/store"
)

type fakeSender struct {
	err  error
	sent []notify.Message
}

func (f *fakeSender) Send(_ context.Context, msg notify.Message) error {
	f.sent = append(f.sent, msg)
	return f.err
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHandleListEventsAndCount(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	if _, _, err := st.InsertEvent(ctx, store.Event{ID: "e1", Source: "host", EventType: "disk_full", Summary: "low disk", Timestamp: 1}); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	s := New("127.0.0.1:0", st, nil)
	srv := httptest.NewServer(s.mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/events")
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var listBody struct {
		Events []store.Event `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listBody); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listBody.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(listBody.Events))
	}

	countResp, err := http.Get(srv.URL + "/api/v1/events/count")
	if err != nil {
		t.Fatalf("GET /events/count: %v", err)
	}
	defer countResp.Body.Close()
	var countBody struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(countResp.Body).Decode(&countBody); err != nil {
		t.Fatalf("decode count: %v", err)
	}
	if countBody.Count != 1 {
		t.Fatalf("expected count 1, got %d", countBody.Count)
	}
}

func TestHandleSetAndDeleteRule(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	if _, _, err := st.InsertEvent(ctx, store.Event{ID: "e1", Source: "network", EventType: "link_down", Summary: "x", Timestamp: 1}); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}

	s := New("127.0.0.1:0", st, nil)
	srv := httptest.NewServer(s.mux)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/v1/rules/link_down", strings.NewReader(`{"classification":"notify"}`))
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("PUT rule: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	ev, err := st.GetEvent(ctx, "e1")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if ev.Classification != "notify" {
		t.Fatalf("expected retroactive classification notify, got %q", ev.Classification)
	}

	delReq, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/rules/link_down", nil)
	delResp, err := srv.Client().Do(delReq)
	if err != nil {
		t.Fatalf("DELETE rule: %v", err)
	}
	delResp.Body.Close()

	ev, err = st.GetEvent(ctx, "e1")
	if err != nil {
		t.Fatalf("GetEvent after delete: %v", err)
	}
	if ev.Classification != "unclassified" {
		t.Fatalf("expected reverted classification, got %q", ev.Classification)
	}
}

func TestHandleStatsAndHealthz(t *testing.T) {
	st := openTestStore(t)
	s := New("127.0.0.1:0", st, nil)
	srv := httptest.NewServer(s.mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	statsResp, err := http.Get(srv.URL + "/api/v1/stats")
	if err != nil {
		t.Fatalf("GET /stats: %v", err)
	}
	defer statsResp.Body.Close()
	var stats store.Stats
	if err := json.NewDecoder(statsResp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
}

func TestHandleNotificationStatus(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	if err := st.SetRule(ctx, "motion", "notify"); err != nil {
		t.Fatalf("SetRule: %v", err)
	}
	if _, _, err := st.InsertEvent(ctx, store.Event{ID: "v1", Source: "video", EventType: "motion", Summary: "motion", Timestamp: 1}); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	for i := 0; i < store.MaxNotifyAttempts(); i++ {
		if err := st.BumpNotifyAttempts(ctx, "v1"); err != nil {
			t.Fatalf("BumpNotifyAttempts: %v", err)
		}
	}

	s := New("127.0.0.1:0", st, nil)
	srv := httptest.NewServer(s.mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/notifications/status")
	if err != nil {
		t.Fatalf("GET /notifications/status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body notificationStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.DeadLettered != 1 {
		t.Fatalf("expected 1 dead-lettered event, got %d", body.DeadLettered)
	}
	if body.Pending != 0 {
		t.Fatalf("expected 0 pending (exhausted retries), got %d", body.Pending)
	}
	if len(body.RecentLog) != 1 || body.RecentLog[0].ID != "v1" {
		t.Fatalf("expected recent log to contain v1, got %+v", body.RecentLog)
	}
}

func TestHandleTestSend(t *testing.T) {
	st := openTestStore(t)
	sender := &fakeSender{}

	s := New("127.0.0.1:0", st, sender)
	srv := httptest.NewServer(s.mux)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/notifications/test-send", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /notifications/test-send: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one message sent, got %d", len(sender.sent))
	}
	if sender.sent[0].EventID == "" {
		t.Fatalf("expected test-send message to carry a non-empty event id")
	}
}

func TestHandleTestSendFailure(t *testing.T) {
	st := openTestStore(t)
	sender := &fakeSender{err: context.DeadlineExceeded}

	s := New("127.0.0.1:0", st, sender)
	srv := httptest.NewServer(s.mux)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/notifications/test-send", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /notifications/test-send: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
}
