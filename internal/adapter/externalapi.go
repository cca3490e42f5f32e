package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/weftlabs/weft/internal/types"
)

// ExternalAPI pushes entities to a remote service over HTTP with a
// circuit breaker in front. Records live at
// {base}/{entity_type}/{entity_id}; PUT upserts, DELETE removes, GET
// reads, and GET on {base}/{entity_type} lists IDs.
type ExternalAPI struct {
	name    string
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// APIOption configures an ExternalAPI adapter.
type APIOption func(*ExternalAPI)

// WithHTTPClient overrides the default HTTP client (tests use
// httptest servers with short timeouts).
func WithHTTPClient(c *http.Client) APIOption {
	return func(a *ExternalAPI) { a.client = c }
}

// NewExternalAPI creates an HTTP adapter for the service at baseURL.
// The breaker opens after 5 consecutive failures and probes again after
// 30 seconds.
func NewExternalAPI(name, baseURL string, opts ...APIOption) *ExternalAPI {
	a := &ExternalAPI{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return a
}

func (a *ExternalAPI) Name() string { return a.name }
func (a *ExternalAPI) Kind() string { return KindExternalAPI }

func (a *ExternalAPI) entityURL(entityType, entityID string) string {
	return a.baseURL + "/" + url.PathEscape(entityType) + "/" + url.PathEscape(entityID)
}

// do runs one request through the breaker. Breaker-open counts as
// transient: the service is assumed to recover.
func (a *ExternalAPI) do(ctx context.Context, method, rawURL string, body []byte) (*http.Response, error) {
	resp, err := a.breaker.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, fmt.Errorf("server error: %s", resp.Status)
		}
		return resp, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, NewTransient(a.name, err)
	}
	if err != nil {
		return nil, NewTransient(a.name, err)
	}
	return resp.(*http.Response), nil
}

func (a *ExternalAPI) Apply(ctx context.Context, kind types.EventKind, entityType, entityID string, payload types.Payload) error {
	var (
		method = http.MethodPut
		body   []byte
	)
	if kind == types.KindDelete {
		method = http.MethodDelete
	} else {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return NewPermanent(a.name, fmt.Errorf("failed to marshal payload: %w", err))
		}
	}

	resp, err := a.do(ctx, method, a.entityURL(entityType, entityID), body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// A delete of an already-absent record is success: the target state
	// matches the intent.
	if resp.StatusCode == http.StatusNotFound && kind == types.KindDelete {
		return nil
	}
	if resp.StatusCode >= 400 {
		return NewPermanent(a.name, fmt.Errorf("request rejected: %s", resp.Status))
	}
	return nil
}

func (a *ExternalAPI) Read(ctx context.Context, entityType, entityID string) (types.Payload, error) {
	resp, err := a.do(ctx, http.MethodGet, a.entityURL(entityType, entityID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrAbsent
	}
	if resp.StatusCode >= 400 {
		return nil, NewPermanent(a.name, fmt.Errorf("request rejected: %s", resp.Status))
	}
	var payload types.Payload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, NewPermanent(a.name, fmt.Errorf("failed to decode response: %w", err))
	}
	return payload, nil
}

func (a *ExternalAPI) ListIDs(ctx context.Context, entityType string) ([]string, error) {
	resp, err := a.do(ctx, http.MethodGet, a.baseURL+"/"+url.PathEscape(entityType), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, NewPermanent(a.name, fmt.Errorf("request rejected: %s", resp.Status))
	}
	var ids []string
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		return nil, NewPermanent(a.name, fmt.Errorf("failed to decode response: %w", err))
	}
	return ids, nil
}

// BreakerState reports the circuit breaker's current state.
func (a *ExternalAPI) BreakerState() gobreaker.State {
	return a.breaker.State()
}
