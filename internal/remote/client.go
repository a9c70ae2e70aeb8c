package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"medisync/internal/config"

	"github.com/rs/zerolog"
)

// Client is the consumed surface of the remote clinical-data service.
// Operations are expressed idempotently: Create writes to a caller-fixed
// id, Update is a full replacement, and deleting an absent resource is a
// success. Every successful write returns the new server version.
type Client interface {
	Create(ctx context.Context, resourceType, id string, payload []byte) (string, error)
	Update(ctx context.Context, resourceType, id string, payload []byte, baseVersion string) (string, error)
	Delete(ctx context.Context, resourceType, id string, baseVersion string) error
}

const taskIDHeader = "X-Sync-Task-Id"

// HTTPClient talks JSON over HTTP. Conflict detection uses If-Match with
// the task's base version; the server answers 409 with its current state.
type HTTPClient struct {
	base   *url.URL
	httpc  *http.Client
	apiKey string
	logger zerolog.Logger
}

func NewHTTPClient(cfg config.RemoteConfig, logger zerolog.Logger) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	return &HTTPClient{
		base:   base,
		httpc:  &http.Client{Timeout: cfg.Timeout()},
		apiKey: cfg.APIKey,
		logger: logger.With().Str("component", "remote").Logger(),
	}, nil
}

func (c *HTTPClient) Create(ctx context.Context, resourceType, id string, payload []byte) (string, error) {
	return c.put(ctx, resourceType, id, payload, "")
}

func (c *HTTPClient) Update(ctx context.Context, resourceType, id string, payload []byte, baseVersion string) (string, error) {
	return c.put(ctx, resourceType, id, payload, baseVersion)
}

func (c *HTTPClient) put(ctx context.Context, resourceType, id string, payload []byte, baseVersion string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPut, resourceType, id, bytes.NewReader(payload))
	if err != nil {
		return "", &TransportError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if baseVersion != "" {
		req.Header.Set("If-Match", baseVersion)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", &TransportError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return c.version(resp)
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		return "", c.conflict(resp, resourceType, id)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return "", &ValidationError{Reason: readReason(resp)}
	default:
		return "", &TransportError{Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
}

func (c *HTTPClient) Delete(ctx context.Context, resourceType, id string, baseVersion string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, resourceType, id, nil)
	if err != nil {
		return &TransportError{Err: err}
	}
	if baseVersion != "" {
		req.Header.Set("If-Match", baseVersion)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	// Deleting an already-deleted resource is a success: the intent landed.
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound:
		return nil
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		return c.conflict(resp, resourceType, id)
	default:
		return &TransportError{Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
}

func (c *HTTPClient) newRequest(ctx context.Context, method, resourceType, id string, body io.Reader) (*http.Request, error) {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + url.PathEscape(resourceType) + "/" + url.PathEscape(id)

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if taskID, ok := ctx.Value(taskIDKey{}).(string); ok {
		req.Header.Set(taskIDHeader, taskID)
	}
	return req, nil
}

func (c *HTTPClient) version(resp *http.Response) (string, error) {
	if etag := resp.Header.Get("ETag"); etag != "" {
		return strings.Trim(etag, `"`), nil
	}

	var body struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil || body.Version == "" {
		return "", &TransportError{Err: fmt.Errorf("response missing version")}
	}
	return body.Version, nil
}

func (c *HTTPClient) conflict(resp *http.Response, resourceType, id string) error {
	state, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &TransportError{Err: fmt.Errorf("read conflict body: %w", err)}
	}
	return &ConflictError{
		ResourceType:  resourceType,
		ResourceID:    id,
		ServerVersion: strings.Trim(resp.Header.Get("ETag"), `"`),
		ServerState:   state,
	}
}

func readReason(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	reason := strings.TrimSpace(string(data))
	if reason == "" {
		reason = resp.Status
	}
	return reason
}

type taskIDKey struct{}

// WithTaskID tags outgoing requests with the task id so the server can
// deduplicate redelivered operations.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}
