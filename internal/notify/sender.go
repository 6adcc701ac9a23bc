// Package notify is the notification dispatcher: a durable outbox
// reader that sends notify-worthy events to an external chat service with
// exponential backoff and bounded per-event retries, waking immediately
// when the classifier raises the wake signal instead of waiting out the
// full sweep interval.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/kestrelhome/unifimon/internal/store"
	"github.com/kestrelhome/unifimon/internal/unifierr"
)

// Message is the rendered payload sent to the chat service for one
// event, carrying enough identifying detail for an operator to recognise
// a redelivered duplicate; the event id is always included for that reason.
type Message struct {
	EventID   string `json:"event_id"`
	Source    string `json:"source"`
	EventType string `json:"event_type"`
	Severity  string `json:"severity,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Text      string `json:"text"`
}

// Sender delivers one rendered Message to the external chat service.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// ChatSender posts to an HTTPS chat-service send endpoint, rate-limited
// so a backlog of pending events doesn't hammer the remote API past its
// own limits.
type ChatSender struct {
	Endpoint string
	BotToken string
	TargetID string

	Client  *http.Client
	Limiter *rate.Limiter

	Timeout time.Duration
}

type chatSendRequest struct {
	ChatID  string `json:"chat_id"`
	Text    string `json:"text"`
	EventID string `json:"event_id"`
}

// Send renders msg and posts it to the chat service. Any non-2xx is
// treated as failure.
func (c *ChatSender) Send(ctx context.Context, msg Message) error {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}

	timeout := c.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(chatSendRequest{
		ChatID:  c.TargetID,
		Text:    renderText(msg),
		EventID: msg.EventID,
	})
	if err != nil {
		return unifierr.NotifyFailed(0, fmt.Errorf("marshal chat payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return unifierr.NotifyFailed(0, fmt.Errorf("build chat request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BotToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BotToken)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return unifierr.NotifyFailed(0, fmt.Errorf("chat request: %w", err))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unifierr.NotifyFailed(0, fmt.Errorf("chat service returned status %d", resp.StatusCode))
	}
	return nil
}

// renderText builds the human-facing notification body: type, source,
// severity, timestamp, and summary.
func renderText(msg Message) string {
	sev := msg.Severity
	if sev == "" {
		sev = "unknown"
	}
	when := time.Unix(msg.Timestamp, 0).UTC().Format(time.RFC3339)
	return fmt.Sprintf("[%s] %s (%s) at %s: %s (id=%s)",
		sev, msg.EventType, msg.Source, when, msg.Text, msg.EventID)
}

// eventToMessage renders a store.Event into a notify Message.
func eventToMessage(ev store.Event) Message {
	return Message{
		EventID:   ev.ID,
		Source:    ev.Source,
		EventType: ev.EventType,
		Severity:  ev.Severity,
		Timestamp: ev.Timestamp,
		Text:      ev.Summary,
	}
}
