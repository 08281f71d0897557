// Package remote implements the two external collaborators at the ingress
// and egress boundary: the remote existence-check endpoint consulted by
// queue.Enqueue, and the downstream write service that finalized items are
// submitted to.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ExistenceChecker calls the remote account service's existence endpoint.
// Implements queue.RemoteExistenceChecker.
type ExistenceChecker struct {
	BaseURL string // path-concatenated with "{account_id}/"
	client  *http.Client
}

// NewExistenceChecker constructs a checker against the given URL prefix.
func NewExistenceChecker(baseURL string) *ExistenceChecker {
	return &ExistenceChecker{BaseURL: baseURL, client: &http.Client{Timeout: 10 * time.Second}}
}

// Exists reports whether the account is already known to the remote service.
func (e *ExistenceChecker) Exists(ctx context.Context, accountID string) (bool, error) {
	u := strings.TrimSuffix(e.BaseURL, "/") + "/" + accountID + "/"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return false, fmt.Errorf("remote: existence check: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, err
	}
	var parsed struct {
		Exists bool `json:"exists"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false, fmt.Errorf("remote: existence check: decode: %w", err)
	}
	return parsed.Exists, nil
}

// WriteOutcome classifies a downstream write attempt for the worker's
// finalization logic.
type WriteOutcome string

const (
	WriteSuccess       WriteOutcome = "success"
	WriteAlreadyExists WriteOutcome = "already_exists"
	WriteRetryable     WriteOutcome = "retryable"
	WritePermanent     WriteOutcome = "permanent"
)

// idempotentSentinel is the exact phrase the downstream service embeds in its
// response body to signal "already present".
const idempotentSentinel = "Link already exists"

// Writer calls the downstream write service.
type Writer struct {
	URL    string // GET endpoint accepting account_id, submitter, api_key
	APIKey string
	client *http.Client
}

// NewWriter constructs a Writer against the given URL.
func NewWriter(writeURL, apiKey string) *Writer {
	return &Writer{URL: writeURL, APIKey: apiKey, client: &http.Client{Timeout: 15 * time.Second}}
}

// Write submits a finalized account id. The returned WriteOutcome drives the
// worker's finalization branch.
func (w *Writer) Write(ctx context.Context, accountID, submitter string) (WriteOutcome, error) {
	u := w.URL + "?" + url.Values{
		"account_id": {accountID},
		"submitter":  {submitter},
		"api_key":    {w.APIKey},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return WritePermanent, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		// no response at all: retryable
		return WriteRetryable, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return WriteRetryable, err
	}

	if strings.Contains(string(body), idempotentSentinel) {
		return WriteAlreadyExists, nil
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return WriteSuccess, nil
	}
	if resp.StatusCode >= 500 {
		return WriteRetryable, fmt.Errorf("remote: downstream write: status %d", resp.StatusCode)
	}
	return WritePermanent, fmt.Errorf("remote: downstream write: status %d", resp.StatusCode)
}
