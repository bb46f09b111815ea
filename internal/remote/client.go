package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/tillsync/internal/ir"
)

// DefaultCallTimeout bounds each network call.
const DefaultCallTimeout = 15 * time.Second

// Client is the terminal's view of the remote API for one scope.
//
// Every method returns an ir.SyncError with code TRANSPORT_FAILURE for
// network errors, timeouts and unexpected statuses. A 403 means the
// server saw a scope mismatch and wraps ir.ErrScopeMismatch.
type Client struct {
	baseURL     string
	scope       ir.Scope
	terminalID  string
	http        *http.Client
	callTimeout time.Duration
	logger      *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		c.http = h
	}
}

// WithCallTimeout sets the per-call timeout.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithClientLogger sets the logger. Defaults to slog.Default().
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a client for baseURL bound to scope and terminal.
func NewClient(baseURL string, scope ir.Scope, terminalID string, opts ...ClientOption) (*Client, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
	}

	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		scope:       scope,
		terminalID:  terminalID,
		http:        &http.Client{},
		callTimeout: DefaultCallTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Scope returns the client's tenant scope.
func (c *Client) Scope() ir.Scope {
	return c.scope
}

// SubmitBatch posts ops in order and returns the server's per-operation
// results. The operation id is the idempotency key, so resubmitting after
// a lost response is safe.
func (c *Client) SubmitBatch(ctx context.Context, ops []ir.Operation) ([]ir.OperationResult, error) {
	req := BatchRequest{
		TenantID:   c.scope.TenantID,
		StoreID:    c.scope.StoreID,
		TerminalID: c.terminalID,
		Operations: make([]WireOperation, 0, len(ops)),
	}
	for _, op := range ops {
		if op.Scope != c.scope {
			return nil, fmt.Errorf("%w: operation %s is for %s", ir.ErrScopeMismatch, op.ID, op.Scope)
		}
		w, err := ToWire(op)
		if err != nil {
			return nil, err
		}
		req.Operations = append(req.Operations, w)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}

	var resp BatchResponse
	if err := c.do(ctx, http.MethodPost, c.baseURL+PathBatch, body, &resp); err != nil {
		return nil, err
	}

	c.logger.Debug("batch submitted", "operations", len(ops), "results", len(resp.Results))
	return resp.Results, nil
}

// PullChanges returns changes in scope with revision greater than since.
// Changes outside the client's scope are rejected with ir.ErrScopeMismatch.
func (c *Client) PullChanges(ctx context.Context, since int64, limit int) (ir.ChangeSet, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("tenantId", c.scope.TenantID)
	q.Set("storeId", c.scope.StoreID)
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var set ir.ChangeSet
	if err := c.do(ctx, http.MethodGet, c.baseURL+PathChanges+"?"+q.Encode(), nil, &set); err != nil {
		return ir.ChangeSet{}, err
	}

	for _, ch := range set.Changes {
		if ch.Scope != c.scope {
			return ir.ChangeSet{}, fmt.Errorf("%w: change %s/%s is for %s", ir.ErrScopeMismatch, ch.Entity, ch.EntityID, ch.Scope)
		}
	}
	return set, nil
}

// do performs one bounded call and decodes a JSON 200 response into out.
func (c *Client) do(ctx context.Context, method, target string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(HeaderTenantID, c.scope.TenantID)
	req.Header.Set(HeaderStoreID, c.scope.StoreID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ir.NewTransportError(method+" "+target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return ir.NewTransportError("read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: server refused scope %s: %s", ir.ErrScopeMismatch, c.scope, errorText(data))
	case resp.StatusCode != http.StatusOK:
		return ir.NewTransportError(
			fmt.Sprintf("%s %s: status %d", method, target, resp.StatusCode),
			errors.New(errorText(data)),
		)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return ir.NewTransportError("decode response", err)
	}
	return nil
}

func errorText(data []byte) string {
	var e ErrorResponse
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(data))
}
