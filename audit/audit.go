// Package audit is a thin client for the external audit/commit service.
// Transport failures are retried; application rejections (a 2xx body carrying
// a top-level "message" field) are terminal and never retried.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryOptions are used for retrying failed requests sent using the client.
type RetryOptions struct {
	Base        time.Duration // Time interval before first retry.
	Max         time.Duration // Maximum time interval between two retries.
	Factor      float64       // next_interval = previous_interval * (1 + factor)
	MaxAttempts int
}

// DefaultRetryOptions are the recommended retry settings.
var DefaultRetryOptions = RetryOptions{
	Base:        time.Second,
	Max:         5 * time.Second,
	Factor:      0.2,
	MaxAttempts: 3,
}

// RejectError is an application-level rejection from the audit service. The
// submission is considered terminal: it is neither retried nor dead-lettered.
type RejectError struct {
	Message string
	Body    json.RawMessage
}

func (err *RejectError) Error() string {
	return fmt.Sprintf("audit service rejected payload: %v", err.Message)
}

// Client posts diff rules and snapshot payloads to the audit service.
type Client struct {
	logger  logrus.FieldLogger
	client  *http.Client
	baseURL string
	retry   RetryOptions
}

// NewClient returns a new Client with the given per-request timeout.
func NewClient(logger logrus.FieldLogger, baseURL string, timeout time.Duration) *Client {
	return &Client{
		logger: logger,
		client: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
		retry:   DefaultRetryOptions,
	}
}

// WithRetryOptions overrides the transport retry behaviour.
func (client *Client) WithRetryOptions(retry RetryOptions) *Client {
	client.retry = retry
	return client
}

// SetDiffRule configures the diff rule for a pair's stream ahead of payload
// commits. Idempotent on the service side.
func (client *Client) SetDiffRule(ctx context.Context, pair, stream string) error {
	url := fmt.Sprintf("%s/%s/%s/diffRules", client.baseURL, pair, stream)
	_, err := client.post(ctx, url, map[string]interface{}{
		"stream": stream,
	})
	return err
}

// CommitPayload submits a snapshot payload for a pair's stream and returns
// the service's response body.
func (client *Client) CommitPayload(ctx context.Context, pair, stream string, payload interface{}) (json.RawMessage, error) {
	url := fmt.Sprintf("%s/%s/%s/payload", client.baseURL, pair, stream)
	return client.post(ctx, url, payload)
}

// post sends the request, retrying transport failures and non-2xx statuses
// with backoff. A 2xx JSON object carrying "message" surfaces as RejectError
// without retry.
func (client *Client) post(ctx context.Context, url string, payload interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal payload: %v", err)
	}

	interval := client.retry.Base
	var lastErr error
	for attempt := 0; attempt < client.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%v, last error = %v", ctx.Err(), lastErr)
			case <-time.After(interval):
			}
			interval = time.Duration(float64(interval) * (1 + client.retry.Factor))
			if interval > client.retry.Max {
				interval = client.retry.Max
			}
		}

		response, err := client.send(ctx, url, body)
		if err == nil {
			return response, nil
		}
		if _, ok := err.(*RejectError); ok {
			return nil, err
		}
		lastErr = err
		client.logger.Debugf("[audit] post to %v failed (attempt %v): %v", url, attempt+1, err)
	}
	return nil, lastErr
}

func (client *Client) send(ctx context.Context, url string, body []byte) (json.RawMessage, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := client.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %v from %v", response.StatusCode, url)
	}

	var probe struct {
		Message *string `json:"message"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && probe.Message != nil {
		return nil, &RejectError{Message: *probe.Message, Body: raw}
	}
	return raw, nil
}
