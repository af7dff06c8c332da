package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hutchhq/hutch/pkg/coordinator"
	"github.com/hutchhq/hutch/pkg/storage"
	"github.com/hutchhq/hutch/pkg/types"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps registry errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrDuplicateToken), errors.Is(err, types.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, types.ErrNoFreePartition):
		return http.StatusServiceUnavailable
	}
	switch types.KindOf(err) {
	case types.FailInvalidInput:
		return http.StatusBadRequest
	case types.FailAlreadyExists:
		return http.StatusConflict
	case types.FailOutOfCapacity:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// resultStatus maps a provisioning outcome to an HTTP status.
func resultStatus(res *types.ProvisionResult) int {
	if res.Success {
		return http.StatusCreated
	}
	switch res.Error {
	case types.FailInvalidInput:
		return http.StatusBadRequest
	case types.FailAlreadyExists:
		return http.StatusConflict
	case types.FailOutOfCapacity:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func decodeStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// createTenant provisions synchronously and returns the full result.
func (s *Server) createTenant(w http.ResponseWriter, r *http.Request) {
	var req types.ProvisionRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}
	res := s.prov.Provision(r.Context(), req)
	writeJSON(w, resultStatus(res), res)
}

func (s *Server) listTenants(w http.ResponseWriter, r *http.Request) {
	var filter storage.TenantFilter
	q := r.URL.Query()
	if state := q.Get("state"); state != "" {
		filter.States = []types.SubscriptionState{types.SubscriptionState(state)}
	}
	if owner := q.Get("owner"); owner != "" {
		id, err := strconv.ParseInt(owner, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid owner")
			return
		}
		filter.Owner = id
	}
	if before := q.Get("expiring_before"); before != "" {
		ts, err := time.Parse(time.RFC3339, before)
		if err != nil {
			writeError(w, http.StatusBadRequest, "expiring_before must be RFC 3339")
			return
		}
		filter.ExpiringBefore = ts
	}
	tenants, err := s.reg.List(r.Context(), filter)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	out := make([]*types.Tenant, 0, len(tenants))
	for _, t := range tenants {
		out = append(out, t.Redacted())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTenant(w http.ResponseWriter, r *http.Request) {
	t, err := s.reg.Get(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t.Redacted())
}

func (s *Server) deleteTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tenantID")
	if err := s.prov.Teardown(r.Context(), id, "api"); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) suspendTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	if req.Reason == "" {
		req.Reason = "manual suspension"
	}
	t, err := s.prov.Suspend(r.Context(), chi.URLParam(r, "tenantID"), req.Reason)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t.Redacted())
}

// extendBody resolves an extension length from either an explicit day
// count or a plan name.
type extendBody struct {
	Days int        `json:"days,omitempty"`
	Plan types.Plan `json:"plan,omitempty"`
}

func (b extendBody) duration() (time.Duration, error) {
	if b.Days > 0 {
		return time.Duration(b.Days) * 24 * time.Hour, nil
	}
	if b.Plan != "" {
		if !b.Plan.Valid() {
			return 0, errors.New("unknown plan")
		}
		return b.Plan.Duration(), nil
	}
	return types.PlanMonthly.Duration(), nil
}

func (s *Server) reactivateTenant(w http.ResponseWriter, r *http.Request) {
	var req extendBody
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	extendBy, err := req.duration()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := s.prov.Reactivate(r.Context(), chi.URLParam(r, "tenantID"), extendBy)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t.Redacted())
}

func (s *Server) restartTenant(w http.ResponseWriter, r *http.Request) {
	t, err := s.prov.Restart(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t.Redacted())
}

func (s *Server) extendTenant(w http.ResponseWriter, r *http.Request) {
	var req extendBody
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	extendBy, err := req.duration()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	t, err := s.reg.Extend(r.Context(), chi.URLParam(r, "tenantID"), extendBy)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t.Redacted())
}

func (s *Server) recordPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AmountMinor int64      `json:"amount_minor"`
		Currency    string     `json:"currency"`
		Method      string     `json:"method"`
		ExternalRef string     `json:"external_ref"`
		Plan        types.Plan `json:"plan"`
	}
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	if req.AmountMinor <= 0 {
		writeError(w, http.StatusBadRequest, "amount_minor must be positive")
		return
	}
	plan := req.Plan
	if plan == "" {
		plan = types.PlanMonthly
	}
	if !plan.Valid() {
		writeError(w, http.StatusBadRequest, "unknown plan")
		return
	}
	p := &types.Payment{
		TenantID:    chi.URLParam(r, "tenantID"),
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
		Method:      req.Method,
		Status:      "completed",
		ExternalRef: req.ExternalRef,
	}
	if err := s.reg.RecordPayment(r.Context(), p, plan); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	t, err := s.reg.Get(r.Context(), p.TenantID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, t.Redacted())
}

func (s *Server) tenantAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	events, err := s.reg.Audit(r.Context(), chi.URLParam(r, "tenantID"), limit)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) tenantStats(w http.ResponseWriter, r *http.Request) {
	t, err := s.reg.Get(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	stats, err := s.rt.Stats(r.Context(), t.ContainerID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) tenantLogs(w http.ResponseWriter, r *http.Request) {
	t, err := s.reg.Get(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	tail := 100
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid tail")
			return
		}
		tail = n
	}
	lines, err := s.rt.Logs(r.Context(), t.ContainerID, tail)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"container_id": t.ContainerID, "lines": lines})
}

// submitJob enqueues an async provisioning job and returns its ID for
// polling.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req types.ProvisionRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}
	// Reject obviously bad input before it occupies a worker.
	if !types.ValidBotToken(req.BotToken) {
		writeError(w, http.StatusBadRequest, "malformed bot token")
		return
	}
	if req.OwnerContactID <= 0 {
		writeError(w, http.StatusBadRequest, "owner_contact_id must be positive")
		return
	}

	job := coordinator.NewJob(req)
	if err := s.jobs.Submit(r.Context(), job); err != nil {
		writeError(w, http.StatusServiceUnavailable, "failed to enqueue job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": string(job.Status),
	})
}

func (s *Server) jobResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.jobs.Result(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no result for this job (still running, or expired)")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) poolStatus(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusNotFound, "warm pool disabled")
		return
	}
	members, err := s.pool.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if members == nil {
		members = []*types.WarmBot{}
	}
	writeJSON(w, http.StatusOK, members)
}

func (s *Server) clusterStatus(w http.ResponseWriter, _ *http.Request) {
	if s.cluster == nil {
		writeJSON(w, http.StatusOK, map[string]string{"mode": "single", "leader": "self"})
		return
	}
	stats := s.cluster.Stats()
	stats["leader"] = s.cluster.Leader()
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) clusterJoin(w http.ResponseWriter, r *http.Request) {
	if s.cluster == nil {
		writeError(w, http.StatusBadRequest, "clustering disabled")
		return
	}
	var req struct {
		NodeID  string `json:"node_id"`
		Address string `json:"address"`
	}
	if err := decodeStrict(r, &req); err != nil || req.NodeID == "" || req.Address == "" {
		writeError(w, http.StatusBadRequest, "node_id and address are required")
		return
	}
	if err := s.cluster.AddVoter(req.NodeID, req.Address); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
