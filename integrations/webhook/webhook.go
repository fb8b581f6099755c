package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"rewardkit/core"
)

// Sink posts user notifications to configured HTTP endpoints.
// It implements engine.Notifier; run it behind the async event bus so
// slow endpoints never hold up a play.
type Sink struct {
	client    *http.Client
	endpoints []string
	headers   http.Header
}

// Option configures a Sink.
type Option func(*Sink)

// WithClient overrides the HTTP client (defaults to 2s timeout).
func WithClient(c *http.Client) Option {
	return func(s *Sink) {
		if c != nil {
			s.client = c
		}
	}
}

// WithHeader adds a header to every request, e.g. an auth token.
func WithHeader(key, value string) Option {
	return func(s *Sink) { s.headers.Add(key, value) }
}

// New creates a webhook sink.
func New(endpoints []string, opts ...Option) *Sink {
	s := &Sink{
		client:  &http.Client{Timeout: 2 * time.Second},
		headers: http.Header{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.endpoints = append([]string{}, endpoints...)
	return s
}

// Notify posts the notification JSON to every endpoint. Each endpoint is
// tried once; failures are joined into the returned error.
func (s *Sink) Notify(ctx context.Context, n core.Notification) error {
	if len(s.endpoints) == 0 {
		return nil
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	var errs []error
	for _, ep := range s.endpoints {
		if err := s.post(ctx, ep, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Sink) post(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range s.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s: unexpected status %d", endpoint, resp.StatusCode)
	}
	return nil
}
