package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hutchhq/hutch/pkg/types"
)

const defaultTimeout = 10 * time.Second

// Client talks to the control plane admin API. It is used by the CLI
// and is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the API at baseURL, e.g. "http://127.0.0.1:8080".
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// apiError is the JSON error body every endpoint returns on failure.
type apiError struct {
	Error  string `json:"error"`
	Leader string `json:"leader,omitempty"`
}

// StatusError is a non-2xx response from the API.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string { return e.Message }

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach control plane: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr) == nil && apiErr.Error != "" {
			msg := apiErr.Error
			if apiErr.Leader != "" {
				msg = fmt.Sprintf("%s (leader is %s)", apiErr.Error, apiErr.Leader)
			}
			return &StatusError{Status: resp.StatusCode, Message: msg}
		}
		return &StatusError{
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("unexpected status %d from %s %s", resp.StatusCode, method, path),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// CreateTenant provisions a tenant synchronously and returns the full
// provisioning result, success or not.
func (c *Client) CreateTenant(ctx context.Context, req types.ProvisionRequest) (*types.ProvisionResult, error) {
	var res types.ProvisionResult
	if err := c.do(ctx, http.MethodPost, "/v1/tenants", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SubmitJob enqueues an async provisioning job and returns the job ID.
func (c *Client) SubmitJob(ctx context.Context, req types.ProvisionRequest) (string, error) {
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/jobs", req, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// JobResult fetches a job's result. It returns types.ErrNotFound while
// the job is still running or after its result expired.
func (c *Client) JobResult(ctx context.Context, jobID string) (*types.ProvisionResult, error) {
	var res types.ProvisionResult
	err := c.do(ctx, http.MethodGet, "/v1/jobs/"+jobID, nil, &res)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &res, nil
}

// WaitForJob polls a job until its result appears or ctx expires.
func (c *Client) WaitForJob(ctx context.Context, jobID string, interval time.Duration) (*types.ProvisionResult, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := c.JobResult(ctx, jobID)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return nil, err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ListTenants lists tenants, optionally filtered by subscription state.
func (c *Client) ListTenants(ctx context.Context, state string) ([]*types.Tenant, error) {
	path := "/v1/tenants"
	if state != "" {
		path += "?state=" + state
	}
	var tenants []*types.Tenant
	if err := c.do(ctx, http.MethodGet, path, nil, &tenants); err != nil {
		return nil, err
	}
	return tenants, nil
}

// GetTenant fetches a single tenant by ID.
func (c *Client) GetTenant(ctx context.Context, id string) (*types.Tenant, error) {
	var t types.Tenant
	if err := c.do(ctx, http.MethodGet, "/v1/tenants/"+id, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteTenant tears a tenant down: container, schema and registry row.
func (c *Client) DeleteTenant(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/tenants/"+id, nil, nil)
}

// SuspendTenant suspends a tenant and stops its container.
func (c *Client) SuspendTenant(ctx context.Context, id, reason string) (*types.Tenant, error) {
	var t types.Tenant
	body := map[string]string{"reason": reason}
	if err := c.do(ctx, http.MethodPost, "/v1/tenants/"+id+"/suspend", body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ReactivateTenant reactivates a suspended tenant, extending its
// subscription by the given number of days.
func (c *Client) ReactivateTenant(ctx context.Context, id string, days int) (*types.Tenant, error) {
	var t types.Tenant
	body := map[string]int{"days": days}
	if err := c.do(ctx, http.MethodPost, "/v1/tenants/"+id+"/reactivate", body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// RestartTenant restarts a tenant's bot container.
func (c *Client) RestartTenant(ctx context.Context, id string) (*types.Tenant, error) {
	var t types.Tenant
	if err := c.do(ctx, http.MethodPost, "/v1/tenants/"+id+"/restart", struct{}{}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ExtendTenant extends a tenant's subscription by the given number of days.
func (c *Client) ExtendTenant(ctx context.Context, id string, days int) (*types.Tenant, error) {
	var t types.Tenant
	body := map[string]int{"days": days}
	if err := c.do(ctx, http.MethodPost, "/v1/tenants/"+id+"/extend", body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// PaymentParams carries a recorded payment.
type PaymentParams struct {
	AmountMinor int64      `json:"amount_minor"`
	Currency    string     `json:"currency"`
	Method      string     `json:"method"`
	ExternalRef string     `json:"external_ref,omitempty"`
	Plan        types.Plan `json:"plan,omitempty"`
}

// RecordPayment records a payment and extends the subscription.
func (c *Client) RecordPayment(ctx context.Context, id string, p PaymentParams) (*types.Tenant, error) {
	var t types.Tenant
	if err := c.do(ctx, http.MethodPost, "/v1/tenants/"+id+"/payments", p, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// TenantStats fetches container resource usage for a tenant.
func (c *Client) TenantStats(ctx context.Context, id string) (*types.ContainerStats, error) {
	var stats types.ContainerStats
	if err := c.do(ctx, http.MethodGet, "/v1/tenants/"+id+"/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// TenantLogs fetches the last tail lines of a tenant's container log.
func (c *Client) TenantLogs(ctx context.Context, id string, tail int) ([]string, error) {
	var out struct {
		Lines []string `json:"lines"`
	}
	path := "/v1/tenants/" + id + "/logs?tail=" + strconv.Itoa(tail)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Lines, nil
}

// TenantAudit fetches a tenant's audit trail, newest first.
func (c *Client) TenantAudit(ctx context.Context, id string, limit int) ([]*types.AuditEvent, error) {
	var events []*types.AuditEvent
	path := "/v1/tenants/" + id + "/audit?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// PoolStatus fetches warm pool membership.
func (c *Client) PoolStatus(ctx context.Context) ([]*types.WarmBot, error) {
	var members []*types.WarmBot
	if err := c.do(ctx, http.MethodGet, "/v1/pool", nil, &members); err != nil {
		return nil, err
	}
	return members, nil
}

// ClusterStatus fetches the node's view of the cluster.
func (c *Client) ClusterStatus(ctx context.Context) (map[string]string, error) {
	var stats map[string]string
	if err := c.do(ctx, http.MethodGet, "/v1/cluster/status", nil, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// ClusterJoin asks the leader to add a node as a voter.
func (c *Client) ClusterJoin(ctx context.Context, nodeID, address string) error {
	body := map[string]string{"node_id": nodeID, "address": address}
	return c.do(ctx, http.MethodPost, "/v1/cluster/join", body, nil)
}
