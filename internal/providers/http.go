// Package providers holds HTTP adapters for the external review model and
// notification provider. Every call carries a deadline; responses map onto
// the stable error classes.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/DemonGiggle/criticizer/internal/failure"
)

const maxResponseBytes = 4 * 1024 * 1024

// ModelClient submits diffs for review over HTTP.
type ModelClient struct {
	baseURL string
	client  *http.Client
}

func NewModelClient(baseURL string, timeout time.Duration) *ModelClient {
	return &ModelClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type reviewRequest struct {
	ChangelistID int64    `json:"changelist_id"`
	Files        []string `json:"files"`
}

// Review posts the changelist for review and returns the raw response bytes.
// Redaction of submitted content happens upstream of this client.
func (c *ModelClient) Review(ctx context.Context, changelistID int64, files []string) ([]byte, error) {
	body, err := json.Marshal(reviewRequest{ChangelistID: changelistID, Files: files})
	if err != nil {
		return nil, failure.New(failure.ClassInvariantViolation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/review", bytes.NewReader(body))
	if err != nil {
		return nil, failure.New(failure.ClassInvariantViolation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, failure.New(failure.ClassTCPReset, err)
	}
	return raw, nil
}

// NotifyProvider sends notifications and looks up prior deliveries by
// idempotency token.
type NotifyProvider struct {
	baseURL string
	client  *http.Client
}

func NewNotifyProvider(baseURL string, timeout time.Duration) *NotifyProvider {
	return &NotifyProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type sendRequest struct {
	Recipient        string          `json:"recipient"`
	Payload          json.RawMessage `json:"payload"`
	IdempotencyToken string          `json:"idempotency_token"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

// Send delivers one notification; replaying a token returns the original
// message id on a compliant provider.
func (p *NotifyProvider) Send(ctx context.Context, recipient string, payload []byte, idempotencyToken string) (string, error) {
	body, err := json.Marshal(sendRequest{Recipient: recipient, Payload: payload, IdempotencyToken: idempotencyToken})
	if err != nil {
		return "", failure.New(failure.ClassInvariantViolation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return "", failure.New(failure.ClassInvariantViolation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp)
	}

	var out sendResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return "", failure.New(failure.ClassUpstreamInternal, fmt.Errorf("decode send response: %w", err))
	}
	if out.MessageID == "" {
		return "", failure.New(failure.ClassUpstreamInternal, errors.New("provider returned empty message id"))
	}
	return out.MessageID, nil
}

// Lookup asks the provider whether the token was ever delivered.
func (p *NotifyProvider) Lookup(ctx context.Context, idempotencyToken string) (string, bool, error) {
	u := fmt.Sprintf("%s/lookup?token=%s", p.baseURL, url.QueryEscape(idempotencyToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", false, failure.New(failure.ClassInvariantViolation, err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", false, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, classifyStatus(resp)
	}

	var out sendResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		return "", false, failure.New(failure.ClassUpstreamInternal, fmt.Errorf("decode lookup response: %w", err))
	}
	return out.MessageID, out.MessageID != "", nil
}

func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return failure.New(failure.ClassNetworkTimeout, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return failure.New(failure.ClassNetworkTimeout, err)
	}
	return failure.New(failure.ClassTCPReset, err)
}

func classifyStatus(resp *http.Response) error {
	err := fmt.Errorf("upstream status %d", resp.StatusCode)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		classified := failure.New(failure.ClassRateLimited, err)
		if ra := retryAfter(resp); ra > 0 {
			classified = classified.WithRetryAfter(ra)
		}
		return classified
	case resp.StatusCode == http.StatusUnauthorized:
		return failure.New(failure.ClassAuthDenied, err)
	case resp.StatusCode == http.StatusForbidden:
		return failure.New(failure.ClassPermissionDenied, err)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return failure.New(failure.ClassNotFoundPermanent, err)
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return failure.New(failure.ClassContentPolicyReject, err)
	case resp.StatusCode >= 500:
		return failure.New(failure.ClassUpstream5xx, err)
	default:
		return failure.New(failure.ClassUpstreamInternal, err)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(raw); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
