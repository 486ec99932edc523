package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ppiankov/trustflow/internal/store"
)

const defaultTimeout = 15 * time.Second

// HTTP resolves and writes fields through the resource service API:
//
//	GET|PUT {url}/v1/resources/{resource}/{uuid}/properties/{id}
//	GET|PUT {url}/v1/resources/{resource}/{uuid}/attributes/{source}/{id}
//
// Bodies are store.Value JSON. A 404 on GET resolves to an absent value.
type HTTP struct {
	Client  *http.Client
	URL     string
	Timeout time.Duration
}

// NewHTTP returns a client for the service at baseURL.
func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTP{URL: strings.TrimRight(baseURL, "/"), Timeout: timeout, Client: http.DefaultClient}
}

func (h *HTTP) propertyURL(resource store.Resource, objectUUID, identifier string) string {
	return fmt.Sprintf("%s/v1/resources/%s/%s/properties/%s", h.URL,
		url.PathEscape(string(resource)), url.PathEscape(objectUUID), url.PathEscape(identifier))
}

func (h *HTTP) attributeURL(resource store.Resource, objectUUID string, source store.FieldSource, identifier string) string {
	return fmt.Sprintf("%s/v1/resources/%s/%s/attributes/%s/%s", h.URL,
		url.PathEscape(string(resource)), url.PathEscape(objectUUID),
		url.PathEscape(string(source)), url.PathEscape(identifier))
}

// ResolveProperty implements condition.Resolver.
func (h *HTTP) ResolveProperty(ctx context.Context, resource store.Resource, objectUUID, identifier string) (store.Value, error) {
	return h.get(ctx, h.propertyURL(resource, objectUUID, identifier))
}

// ResolveAttribute implements condition.Resolver.
func (h *HTTP) ResolveAttribute(ctx context.Context, resource store.Resource, objectUUID string, source store.FieldSource, identifier string) (store.Value, error) {
	return h.get(ctx, h.attributeURL(resource, objectUUID, source, identifier))
}

// SetProperty implements action.FieldWriter.
func (h *HTTP) SetProperty(ctx context.Context, resource store.Resource, objectUUID, identifier string, v store.Value) error {
	return h.put(ctx, h.propertyURL(resource, objectUUID, identifier), v)
}

// SetAttribute implements action.FieldWriter.
func (h *HTTP) SetAttribute(ctx context.Context, resource store.Resource, objectUUID string, source store.FieldSource, identifier string, v store.Value) error {
	return h.put(ctx, h.attributeURL(resource, objectUUID, source, identifier), v)
}

func (h *HTTP) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return http.DefaultClient
}

func (h *HTTP) timeout() time.Duration {
	if h.Timeout > 0 {
		return h.Timeout
	}
	return defaultTimeout
}

func (h *HTTP) get(ctx context.Context, u string) (store.Value, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return store.Absent(), fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client().Do(req)
	if err != nil {
		return store.Absent(), fmt.Errorf("resolving field: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only

	if resp.StatusCode == http.StatusNotFound {
		return store.Absent(), nil
	}
	if resp.StatusCode != http.StatusOK {
		return store.Absent(), fmt.Errorf("resource service returned status %d", resp.StatusCode)
	}

	var v store.Value
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&v); err != nil {
		return store.Absent(), fmt.Errorf("decoding field value: %w", err)
	}
	return v, nil
}

func (h *HTTP) put(ctx context.Context, u string, v store.Value) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout())
	defer cancel()

	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding field value: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client().Do(req)
	if err != nil {
		return fmt.Errorf("writing field: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // response body unused

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("resource service returned status %d", resp.StatusCode)
	}
	return nil
}
