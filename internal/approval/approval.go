// Package approval submits REQUEST_APPROVAL actions to the approval
// workflow service.
package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ppiankov/trustflow/internal/action"
	"github.com/ppiankov/trustflow/internal/store"
)

// ParamProfile names the approval profile an action requests.
const ParamProfile = "approvalProfile"

// ErrNotConfigured is returned when no approval service URL is set.
var ErrNotConfigured = errors.New("approval service not configured")

// Request is the body posted to the approval service.
type Request struct {
	Params          map[string]string `json:"params,omitempty"`
	ApprovalProfile string            `json:"approvalProfile"`
	Resource        store.Resource    `json:"resource"`
	ObjectUUID      string            `json:"objectUuid"`
	ActionUUID      string            `json:"actionUuid"`
	ActionName      string            `json:"actionName"`
}

// Response is the approval service reply. Only the identifier is used.
type Response struct {
	UUID   string `json:"uuid"`
	Status string `json:"status"`
}

// Client implements action.Backend for REQUEST_APPROVAL.
type Client struct {
	client *http.Client
	url    string
}

// New creates a Client for the approval service at baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		url:    strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

// Execute implements action.Backend. The request is accepted once the
// service answers 2xx; the approval itself completes out of band.
func (c *Client) Execute(ctx context.Context, req action.Request) error {
	if c.url == "" {
		return ErrNotConfigured
	}
	profile := req.Params[ParamProfile]
	if profile == "" {
		return fmt.Errorf("action %s: %s parameter is required", req.ActionName, ParamProfile)
	}

	params := make(map[string]string, len(req.Params))
	for k, v := range req.Params {
		if k != ParamProfile {
			params[k] = v
		}
	}
	body, err := json.Marshal(Request{
		ApprovalProfile: profile,
		Resource:        req.Resource,
		ObjectUUID:      req.ObjectUUID,
		ActionUUID:      req.ActionUUID,
		ActionName:      req.ActionName,
		Params:          params,
	})
	if err != nil {
		return fmt.Errorf("marshal approval request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/v1/approvals", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building approval request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("requesting approval: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only close

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512)) //nolint:errcheck // best-effort detail
		msg := strings.TrimSpace(string(snippet))
		if msg == "" {
			return fmt.Errorf("approval service returned status %d", resp.StatusCode)
		}
		return fmt.Errorf("approval service returned status %d: %s", resp.StatusCode, msg)
	}
	return nil
}
