package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Event is the webhook body: {event, timestamp, data}.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	Event     string         `json:"event"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Publisher delivers one event. A returned error schedules a retry.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// WebhookPublisher POSTs events as JSON to a fixed URL.
type WebhookPublisher struct {
	url    string
	client *http.Client
}

func NewWebhookPublisher(url string, timeout time.Duration) *WebhookPublisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookPublisher{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *WebhookPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("relay: encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("relay: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Escrow-Event", ev.Event)
	req.Header.Set("X-Escrow-Delivery", ev.ID.String())

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("relay: post %s: %w", ev.Event, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("relay: post %s: status %d", ev.Event, resp.StatusCode)
	}
	return nil
}

// LogPublisher writes events to the log. It is used when no webhook is configured.
type LogPublisher struct {
	log logrus.FieldLogger
}

func NewLogPublisher(log logrus.FieldLogger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(ctx context.Context, ev Event) error {
	p.log.WithFields(logrus.Fields{
		"event": ev.Event,
		"id":    ev.ID.String(),
		"data":  ev.Data,
	}).Info("event")
	return nil
}
