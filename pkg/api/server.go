package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/hutchhq/hutch/pkg/log"
	"github.com/hutchhq/hutch/pkg/metrics"
	"github.com/hutchhq/hutch/pkg/storage"
	"github.com/hutchhq/hutch/pkg/types"
)

// Provisioner is the lifecycle surface exposed over HTTP.
type Provisioner interface {
	Provision(ctx context.Context, req types.ProvisionRequest) *types.ProvisionResult
	Teardown(ctx context.Context, tenantID, actor string) error
	Suspend(ctx context.Context, tenantID, reason string) (*types.Tenant, error)
	Reactivate(ctx context.Context, tenantID string, extendBy time.Duration) (*types.Tenant, error)
	Restart(ctx context.Context, tenantID string) (*types.Tenant, error)
}

// JobStore submits async jobs and serves their results.
type JobStore interface {
	Submit(ctx context.Context, job *types.ProvisionJob) error
	Result(ctx context.Context, jobID string) (*types.ProvisionResult, error)
	Depth(ctx context.Context) (int64, error)
}

// RuntimeInspector serves per-container diagnostics.
type RuntimeInspector interface {
	Stats(ctx context.Context, containerID string) (*types.ContainerStats, error)
	Logs(ctx context.Context, containerID string, tail int) ([]string, error)
}

// PoolInspector reports warm pool membership.
type PoolInspector interface {
	Status(ctx context.Context) ([]*types.WarmBot, error)
}

// Cluster is the election surface. A nil Cluster means single-node mode
// and every node behaves as leader.
type Cluster interface {
	IsLeader() bool
	Leader() string
	AddVoter(nodeID, address string) error
	Stats() map[string]string
}

// Pinger checks control-plane database connectivity for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Registry is the tenant registry surface the API reads and writes.
type Registry interface {
	Get(ctx context.Context, id string) (*types.Tenant, error)
	List(ctx context.Context, f storage.TenantFilter) ([]*types.Tenant, error)
	Extend(ctx context.Context, id string, extendBy time.Duration) (*types.Tenant, error)
	RecordPayment(ctx context.Context, p *types.Payment, plan types.Plan) error
	Audit(ctx context.Context, id string, limit int) ([]*types.AuditEvent, error)
}

// Server is the admin REST API. It runs on every node; mutating routes
// are gated to the elected leader so standbys stay read-only.
type Server struct {
	reg     Registry
	prov    Provisioner
	jobs    JobStore
	rt      RuntimeInspector
	pool    PoolInspector
	cluster Cluster
	db      Pinger
	logger  zerolog.Logger
}

func NewServer(reg Registry, prov Provisioner, jobs JobStore, rt RuntimeInspector, pool PoolInspector, cluster Cluster, db Pinger) *Server {
	return &Server{
		reg:     reg,
		prov:    prov,
		jobs:    jobs,
		rt:      rt,
		pool:    pool,
		cluster: cluster,
		db:      db,
		logger:  log.WithComponent("api"),
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/tenants", s.listTenants)
		r.Get("/tenants/{tenantID}", s.getTenant)
		r.Get("/tenants/{tenantID}/stats", s.tenantStats)
		r.Get("/tenants/{tenantID}/logs", s.tenantLogs)
		r.Get("/tenants/{tenantID}/audit", s.tenantAudit)
		r.Get("/jobs/{jobID}", s.jobResult)
		r.Get("/pool", s.poolStatus)
		r.Get("/cluster/status", s.clusterStatus)

		r.Group(func(r chi.Router) {
			r.Use(s.leaderOnly)
			r.Post("/tenants", s.createTenant)
			r.Delete("/tenants/{tenantID}", s.deleteTenant)
			r.Post("/tenants/{tenantID}/suspend", s.suspendTenant)
			r.Post("/tenants/{tenantID}/reactivate", s.reactivateTenant)
			r.Post("/tenants/{tenantID}/restart", s.restartTenant)
			r.Post("/tenants/{tenantID}/extend", s.extendTenant)
			r.Post("/tenants/{tenantID}/payments", s.recordPayment)
			r.Post("/jobs", s.submitJob)
			r.Post("/cluster/join", s.clusterJoin)
		})
	})
	return r
}

// ListenAndServe blocks serving the API until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info().Str("addr", addr).Msg("api listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// requestLogger logs each request and feeds the API metrics.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.Status())).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", elapsed).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

// leaderOnly rejects mutations on standby nodes with the leader address
// so clients can redirect.
func (s *Server) leaderOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cluster != nil && !s.cluster.IsLeader() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error":  "not the leader",
				"leader": s.cluster.Leader(),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
