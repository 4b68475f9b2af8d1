package assess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/digicoop/digisync/offsync"
)

// APIClient talks to the remote assessment API. Every response is wrapped
// in the success/data envelope; every mutation carries an Idempotency-Key
// header so retrying an ambiguous outcome cannot double-apply.
type APIClient struct {
	BaseURL string
	Token   func(ctx context.Context) (string, error)
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewAPIClient creates a client for the given base URL. token may be nil
// for unauthenticated servers.
func NewAPIClient(baseURL string, token func(ctx context.Context) (string, error), logger *slog.Logger) *APIClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIClient{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// HealthURL returns the endpoint the connectivity monitor probes.
func (c *APIClient) HealthURL() string {
	return c.BaseURL + "/healthz"
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

func (c *APIClient) do(ctx context.Context, method, path string, body any, idempotencyKey string, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.Token != nil {
		token, err := c.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get auth token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", path, err)
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 400 {
			return fmt.Errorf("failed to decode response from %s: %w", path, err)
		}
	}

	if resp.StatusCode >= 400 {
		return &offsync.RemoteError{StatusCode: resp.StatusCode, Message: env.Message}
	}
	if !env.Success {
		return &offsync.RemoteError{StatusCode: http.StatusUnprocessableEntity, Message: env.Message}
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode payload from %s: %w", path, err)
		}
	}
	return nil
}

// EntityClient implements offsync.RemoteAPI for one entity path.
type EntityClient[T any] struct {
	api  *APIClient
	path string
}

// NewEntityClient creates the remote accessor for /api/<path>.
func NewEntityClient[T any](api *APIClient, path string) *EntityClient[T] {
	return &EntityClient[T]{api: api, path: "/api/" + path}
}

func (c *EntityClient[T]) List(ctx context.Context) ([]T, error) {
	var items []T
	if err := c.api.do(ctx, http.MethodGet, c.path, nil, "", &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *EntityClient[T]) Fetch(ctx context.Context, id string) (T, error) {
	var item T
	err := c.api.do(ctx, http.MethodGet, c.path+"/"+url.PathEscape(id), nil, "", &item)
	return item, err
}

func (c *EntityClient[T]) Create(ctx context.Context, entity T, idempotencyKey string) (T, error) {
	var created T
	err := c.api.do(ctx, http.MethodPost, c.path, entity, idempotencyKey, &created)
	return created, err
}

func (c *EntityClient[T]) Update(ctx context.Context, id string, entity T, idempotencyKey string) (T, error) {
	var updated T
	err := c.api.do(ctx, http.MethodPut, c.path+"/"+url.PathEscape(id), entity, idempotencyKey, &updated)
	return updated, err
}

func (c *EntityClient[T]) Delete(ctx context.Context, id string, idempotencyKey string) error {
	return c.api.do(ctx, http.MethodDelete, c.path+"/"+url.PathEscape(id), nil, idempotencyKey, nil)
}
