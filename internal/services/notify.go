package services

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// NewMessageNotification is the payload sent to the notification collaborator
// for recipients with no live connection anywhere.
type NewMessageNotification struct {
	Event      string   `json:"event"`
	Room       string   `json:"room"`
	MessageID  string   `json:"message_id"`
	SenderID   string   `json:"sender_id"`
	SenderName string   `json:"sender_name"`
	Text       string   `json:"text"`
	Timestamp  int64    `json:"timestamp"`
	Recipients []string `json:"recipients"`
}

// Notifier is the fire-and-forget client for the external notification
// collaborator. Failures are logged and swallowed; they never propagate back
// as engine errors.
type Notifier struct {
	url    string
	client *http.Client
	log    *slog.Logger
}

func NewNotifier(url string, log *slog.Logger) *Notifier {
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		log:    log,
	}
}

// NotifyOfflineRecipients posts the event to the webhook. A blank URL
// disables notifications entirely.
func (n *Notifier) NotifyOfflineRecipients(ctx context.Context, event NewMessageNotification) {
	if n.url == "" || len(event.Recipients) == 0 {
		return
	}

	body, err := json.Marshal(event)
	if err != nil {
		n.log.Warn("notification marshal failed", "err", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.log.Warn("notification request failed", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Warn("notification delivery failed", "err", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		n.log.Warn("notification rejected", "status", resp.StatusCode)
	}
}
