// Package sync provides the offline-first synchronization engine.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"

	apperrors "github.com/tmhsiao/ledgersync/internal/errors"
	"github.com/tmhsiao/ledgersync/internal/models"
)

// RemoteClient is the boundary to the server. Push uses per-entity-type verbs;
// pull is a "changes since" query per entity type.
type RemoteClient interface {
	// Create pushes a locally created record.
	Create(ctx context.Context, entityType, id string, payload json.RawMessage) error

	// Update pushes a local edit of an existing record.
	Update(ctx context.Context, entityType, id string, payload json.RawMessage) error

	// Delete pushes a local deletion.
	Delete(ctx context.Context, entityType, id string) error

	// Changes returns the server-side changes for entityType newer than since.
	Changes(ctx context.Context, entityType string, since int64) ([]models.RemoteChange, error)
}

// ConflictError signals that the server detected a version mismatch for a
// pushed mutation. It carries the server's current snapshot so the conflict
// can be resolved without an extra round trip.
type ConflictError struct {
	EntityType       string
	EntityID         string
	ServerData       json.RawMessage
	ServerModifiedAt int64
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote version conflict for %s:%s", e.EntityType, e.EntityID)
}

// HTTPClient is the REST implementation of RemoteClient. Server errors in the
// 500 range and transport failures are retried with fibonacci backoff inside
// the call; 400-range rejections and 409 conflicts surface immediately.
type HTTPClient struct {
	baseURL    string
	hc         *http.Client
	maxRetries uint64
	baseDelay  time.Duration
}

// NewHTTPClient creates an HTTPClient for the given base URL
// (e.g. https://api.example.com/api/v1).
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		hc:         &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		baseDelay:  250 * time.Millisecond,
	}
}

// SetHTTPClient overrides the underlying http.Client. Used by tests.
func (c *HTTPClient) SetHTTPClient(hc *http.Client) {
	c.hc = hc
}

// Create implements RemoteClient.
func (c *HTTPClient) Create(ctx context.Context, entityType, id string, payload json.RawMessage) error {
	body, err := json.Marshal(map[string]interface{}{"id": id, "data": payload})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "failed to encode create body", err)
	}
	return c.doWithRetry(ctx, http.MethodPost, c.entityURL(entityType, ""), entityType, id, body, nil)
}

// Update implements RemoteClient.
func (c *HTTPClient) Update(ctx context.Context, entityType, id string, payload json.RawMessage) error {
	body, err := json.Marshal(map[string]interface{}{"data": payload})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "failed to encode update body", err)
	}
	return c.doWithRetry(ctx, http.MethodPut, c.entityURL(entityType, id), entityType, id, body, nil)
}

// Delete implements RemoteClient.
func (c *HTTPClient) Delete(ctx context.Context, entityType, id string) error {
	return c.doWithRetry(ctx, http.MethodDelete, c.entityURL(entityType, id), entityType, id, nil, nil)
}

// Changes implements RemoteClient.
func (c *HTTPClient) Changes(ctx context.Context, entityType string, since int64) ([]models.RemoteChange, error) {
	u := c.entityURL(entityType, "changes") + "?since=" + strconv.FormatInt(since, 10)

	var response struct {
		Changes []models.RemoteChange `json:"changes"`
	}
	if err := c.doWithRetry(ctx, http.MethodGet, u, entityType, "", nil, &response); err != nil {
		return nil, err
	}
	return response.Changes, nil
}

func (c *HTTPClient) entityURL(entityType, suffix string) string {
	u := c.baseURL + "/" + url.PathEscape(entityType)
	if suffix != "" {
		u += "/" + url.PathEscape(suffix)
	}
	return u
}

// doWithRetry performs one logical request, retrying transient failures with
// fibonacci backoff before surfacing them as TRANSIENT_SERVER_ERROR.
func (c *HTTPClient) doWithRetry(ctx context.Context, method, u, entityType, entityID string, body []byte, out interface{}) error {
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewFibonacci(c.baseDelay))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.doOnce(ctx, method, u, entityType, entityID, body, out)
		if err != nil && apperrors.Is(err, apperrors.ErrTransientServer) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *HTTPClient) doOnce(ctx context.Context, method, u, entityType, entityID string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "failed to build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransientServer, "request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return apperrors.Wrap(apperrors.ErrTransientServer, "failed to decode response", err)
			}
		}
		return nil

	case resp.StatusCode == http.StatusConflict:
		return parseConflict(resp.Body, entityType, entityID)

	case resp.StatusCode >= 500:
		return apperrors.New(apperrors.ErrTransientServer,
			fmt.Sprintf("server error %d for %s %s", resp.StatusCode, method, u))

	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return apperrors.New(apperrors.ErrRemoteRejected,
			fmt.Sprintf("remote rejected %s %s: %d %s", method, u, resp.StatusCode, bytes.TrimSpace(msg)))
	}
}

// parseConflict decodes the server snapshot carried by a 409 response.
func parseConflict(body io.Reader, entityType, entityID string) error {
	var payload struct {
		Data      json.RawMessage `json:"data"`
		UpdatedAt int64           `json:"updated_at"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		// A conflict without a readable snapshot still must not be retried
		// blindly; surface it as a rejection.
		return apperrors.Wrap(apperrors.ErrRemoteRejected, "unreadable conflict response", err)
	}

	return &ConflictError{
		EntityType:       entityType,
		EntityID:         entityID,
		ServerData:       payload.Data,
		ServerModifiedAt: payload.UpdatedAt,
	}
}
