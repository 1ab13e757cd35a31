package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/GriffinCanCode/canvas-watch/internal/errors"
	"github.com/GriffinCanCode/canvas-watch/internal/orchestrator/catalog"
	"github.com/GriffinCanCode/canvas-watch/internal/resilience"
	"github.com/GriffinCanCode/canvas-watch/internal/trace"
)

// Frame is the webhook wire form of a catalog entry.
type Frame struct {
	catalog.Entry
	Data []byte `json:"data"` // base64 in JSON
}

// Payload is the webhook request body.
type Payload struct {
	Session string  `json:"session,omitempty"`
	Frames  []Frame `json:"frames"`
}

// Webhook POSTs frames as JSON, retrying transient failures.
type Webhook struct {
	url     string
	session string
	client  *http.Client
	retry   resilience.RetryConfig
}

// NewWebhook creates a webhook sink. client may be nil.
func NewWebhook(url, session string, client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: DefaultWebhookTimeout}
	}
	retry := resilience.DefaultRetryConfig()
	retry.IsRetryable = retryableDelivery
	return &Webhook{url: url, session: session, client: client, retry: retry}
}

// WithRetry overrides the retry policy.
func (w *Webhook) WithRetry(cfg resilience.RetryConfig) *Webhook {
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = retryableDelivery
	}
	w.retry = cfg
	return w
}

// Deliver implements Sink.
func (w *Webhook) Deliver(ctx context.Context, entries []catalog.Entry) error {
	p := Payload{Session: w.session, Frames: make([]Frame, len(entries))}
	for i, e := range entries {
		p.Frames[i] = Frame{Entry: e, Data: e.Data}
	}
	body, err := json.Marshal(p)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "encode webhook payload")
	}

	start := time.Now()
	err = resilience.Retry(ctx, w.retry, func() error { return w.post(ctx, body) })
	trace.Logger(ctx).Debug("webhook delivery", "frames", len(entries), "bytes", len(body),
		"elapsed", time.Since(start), "error", err)
	return err
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeConfigInvalid, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	if tc, ok := trace.FromContext(ctx); ok {
		req.Header.Set(trace.TraceIDKey, tc.TraceID)
		req.Header.Set(trace.SpanIDKey, tc.SpanID)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeDeliveryFailed, "webhook request")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return apperrors.Newf(apperrors.CodeDeliveryFailed, "webhook returned %s", resp.Status).
		WithMetadata("status", strconv.Itoa(resp.StatusCode))
}

// retryableDelivery retries transport errors, 429 and 5xx.
func retryableDelivery(err error) bool {
	if !resilience.IsTransient(err) {
		return false
	}
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		return true
	}
	s, ok := appErr.Metadata["status"]
	if !ok {
		return true
	}
	code, _ := strconv.Atoi(s)
	return code == http.StatusTooManyRequests || code >= 500
}
