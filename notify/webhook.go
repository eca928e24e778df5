package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/caasmo/restinpieces-letsencrypt"
)

// WebhookPayload is the JSON body posted by Webhook. It never carries key
// material.
type WebhookPayload struct {
	Event       string       `json:"event"`
	Certificate acme.Summary `json:"certificate"`
}

// Webhook posts a JSON summary of the stored certificate to a URL. Failed
// deliveries are retried with exponential backoff; 4xx responses other than
// 429 are not retried.
type Webhook struct {
	url        string
	client     *http.Client
	maxElapsed time.Duration
	initial    time.Duration
	logger     *slog.Logger
}

type WebhookOption func(*Webhook)

func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// WithRetryWindow bounds how long delivery is retried and the first wait.
func WithRetryWindow(initial, maxElapsed time.Duration) WebhookOption {
	return func(w *Webhook) {
		w.initial = initial
		w.maxElapsed = maxElapsed
	}
}

func NewWebhook(url string, logger *slog.Logger, opts ...WebhookOption) *Webhook {
	if logger == nil {
		panic("notify.NewWebhook: received nil logger")
	}
	w := &Webhook{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		initial:    500 * time.Millisecond,
		maxElapsed: 2 * time.Minute,
		logger:     logger.With("notifier", "webhook"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Webhook) Notify(ctx context.Context, rec *acme.Record) error {
	body, err := json.Marshal(WebhookPayload{Event: "certificate_stored", Certificate: rec.Summary()})
	if err != nil {
		return fmt.Errorf("notify: encode webhook payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.initial
	b.MaxElapsedTime = w.maxElapsed

	attempt := 0
	op := func() error {
		attempt++
		return w.post(ctx, body)
	}
	onRetry := func(err error, wait time.Duration) {
		w.logger.Warn("Webhook delivery failed, retrying", "name", rec.Name, "attempt", attempt, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), onRetry); err != nil {
		return fmt.Errorf("notify: webhook: %w", err)
	}
	w.logger.Info("Webhook delivered", "name", rec.Name, "attempts", attempt)
	return nil
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %s", resp.Status)
	}
	return backoff.Permanent(fmt.Errorf("status %s", resp.Status))
}
