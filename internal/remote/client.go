package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/weddingflow/guestsync/internal/model"
)

const userAgent = "guestsync/0.1"

// maxErrBodyBytes caps how much of an error response body is kept for
// diagnostics.
const maxErrBodyBytes = 4096

// TokenSource provides bearer tokens for the remote authority. Defined at
// the consumer per Go convention "accept interfaces, return structs";
// satisfied by golang.org/x/oauth2 token sources via the adapter in auth.go.
type TokenSource interface {
	Token() (string, error)
}

// Client is an HTTP client for the remote authority API. Each call is a
// single attempt with error classification; the dispatcher layers retry
// policy on top.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger
}

// NewClient creates a remote authority client. baseURL has no trailing
// slash, e.g. "https://api.example.com/v1".
func NewClient(baseURL string, httpClient *http.Client, token TokenSource, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		logger:     logger,
	}
}

// ListEvents fetches all event snapshots owned by ownerID.
func (c *Client) ListEvents(ctx context.Context, ownerID string) ([]model.Event, error) {
	resp, err := c.do(ctx, http.MethodGet, "/events/"+url.PathEscape(ownerID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var events []model.Event
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, fmt.Errorf("remote: decoding event list: %w", err)
	}

	return events, nil
}

// UpsertEvent pushes a full event snapshot (guests included) to the
// authority. Used for event creation and heavy edits.
func (c *Client) UpsertEvent(ctx context.Context, event *model.Event) error {
	resp, err := c.do(ctx, http.MethodPost, "/events", event)
	if err != nil {
		return err
	}

	resp.Body.Close()

	return nil
}

// mergeGuestsRequest is the body of the incremental guest merge endpoint.
type mergeGuestsRequest struct {
	Guests []model.Guest `json:"guests"`
	Append bool          `json:"append"`
}

// MergeGuests sends an incremental guest merge for an event: guests are
// matched by identity server-side, and append controls whether unknown
// guests are added rather than the event's list being replaced.
func (c *Client) MergeGuests(ctx context.Context, eventID string, guests []model.Guest, appendUnknown bool) error {
	body := mergeGuestsRequest{Guests: guests, Append: appendUnknown}

	resp, err := c.do(ctx, http.MethodPost, "/events/"+url.PathEscape(eventID)+"/guests", body)
	if err != nil {
		return err
	}

	resp.Body.Close()

	return nil
}

// ApplyPendingUpdate sends a single-guest diff to the authority.
func (c *Client) ApplyPendingUpdate(ctx context.Context, update *model.PendingUpdate) error {
	resp, err := c.do(ctx, http.MethodPost, "/guests/pending-update", update)
	if err != nil {
		return err
	}

	resp.Body.Close()

	return nil
}

// DeleteEvent soft-deletes an event on the authority.
func (c *Client) DeleteEvent(ctx context.Context, eventID string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/events/"+url.PathEscape(eventID), nil)
	if err != nil {
		return err
	}

	resp.Body.Close()

	return nil
}

// RestoreEvent reverses a soft delete.
func (c *Client) RestoreEvent(ctx context.Context, eventID string) error {
	resp, err := c.do(ctx, http.MethodPost, "/events/"+url.PathEscape(eventID)+"/restore", nil)
	if err != nil {
		return err
	}

	resp.Body.Close()

	return nil
}

// do executes one HTTP request. body is JSON-marshaled when non-nil. On a
// non-2xx response the body is read into an *APIError and the connection is
// closed; on success the caller owns the response body.
func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("remote: encoding %s %s body: %w", method, path, err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("remote: creating request: %w", err)
	}

	tok, err := c.token.Token()
	if err != nil {
		return nil, fmt.Errorf("remote: obtaining token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", userAgent)

	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("remote: request canceled: %w", ctx.Err())
		}

		return nil, fmt.Errorf("remote: %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		c.logger.Debug("request succeeded",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
		)

		return resp, nil
	}

	errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrBodyBytes))
	resp.Body.Close()

	if readErr != nil {
		errBody = []byte("(failed to read response body)")
	}

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("request-id"),
		Message:    string(errBody),
		Err:        classifyStatus(resp.StatusCode),
	}

	c.logger.Debug("request failed",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
	)

	return nil, apiErr
}
