package types

import (
	"strings"
	"time"
)

// SubscriptionState represents a tenant's subscription lifecycle state
type SubscriptionState string

const (
	StateTrial     SubscriptionState = "trial"
	StateActive    SubscriptionState = "active"
	StateSuspended SubscriptionState = "suspended"
	StateCancelled SubscriptionState = "cancelled"
)

// CanTransitionTo reports whether the subscription state machine allows
// moving from s to next. Allowed paths:
//
//	trial -> active
//	trial, active -> suspended
//	active, suspended -> cancelled
//	suspended -> active
func (s SubscriptionState) CanTransitionTo(next SubscriptionState) bool {
	switch s {
	case StateTrial:
		return next == StateActive || next == StateSuspended
	case StateActive:
		return next == StateSuspended || next == StateCancelled
	case StateSuspended:
		return next == StateActive || next == StateCancelled
	default:
		return false
	}
}

// Plan identifies a subscription plan. The control plane enforces only the
// expiry timestamp the plan yields; pricing is someone else's problem.
type Plan string

const (
	PlanMonthly   Plan = "monthly"
	PlanQuarterly Plan = "quarterly"
	PlanYearly    Plan = "yearly"
)

// Duration returns the subscription period a plan purchases.
func (p Plan) Duration() time.Duration {
	switch p {
	case PlanQuarterly:
		return 90 * 24 * time.Hour
	case PlanYearly:
		return 365 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	switch p {
	case PlanMonthly, PlanQuarterly, PlanYearly:
		return true
	}
	return false
}

// Tenant is the authoritative record of one paying customer's bot instance.
type Tenant struct {
	ID               string            `json:"tenant_id"`
	BotToken         string            `json:"bot_token,omitempty"`
	OwnerContactID   int64             `json:"owner_contact_id"`
	DisplayName      string            `json:"display_name"`
	CachePartition   int               `json:"cache_partition"`
	ContainerID      string            `json:"container_id"`
	SchemaName       string            `json:"schema_name"`
	State            SubscriptionState `json:"subscription_state"`
	Plan             Plan              `json:"plan"`
	StartedAt        time.Time         `json:"started_at"`
	ExpiresAt        time.Time         `json:"expires_at"`
	ContainerRunning bool              `json:"container_running"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Redacted returns a copy safe to return from the API (bot token stripped).
func (t *Tenant) Redacted() *Tenant {
	cp := *t
	cp.BotToken = ""
	return &cp
}

// Payment is one append-only ledger entry. It drives expiry extension but
// is never a source of truth for the subscription state.
type Payment struct {
	ID          int64     `json:"id"`
	TenantID    string    `json:"tenant_id"`
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	Method      string    `json:"method"`
	Status      string    `json:"status"`
	ExternalRef string    `json:"external_ref"`
	CreatedAt   time.Time `json:"created_at"`
}

// Audit event kinds recorded by the registry.
const (
	AuditCreated          = "created"
	AuditContainerStarted = "container_started"
	AuditContainerStopped = "container_stopped"
	AuditSuspended        = "suspended"
	AuditReactivated      = "reactivated"
	AuditExtended         = "extended"
	AuditExpired          = "expired"
	AuditDeleted          = "deleted"
	AuditRoleChanged      = "role_changed"
	AuditPaymentRecorded  = "payment_recorded"
)

// AuditEvent is an append-only per-tenant log entry. Events survive a
// deleted tenant for the platform's compliance window.
type AuditEvent struct {
	ID        int64             `json:"id"`
	TenantID  string            `json:"tenant_id"`
	Kind      string            `json:"kind"`
	Payload   map[string]string `json:"payload,omitempty"`
	Actor     string            `json:"actor"`
	CreatedAt time.Time         `json:"created_at"`
}

// WarmStatus is the lifecycle state of a pool member. The bot process
// owns the transition to active; the pool manager owns claiming and
// releasing.
type WarmStatus string

const (
	WarmWaiting WarmStatus = "waiting"
	WarmClaimed WarmStatus = "claimed"
	WarmActive  WarmStatus = "active"
	WarmUnknown WarmStatus = "unknown"
)

// WarmBot describes one slot of the warm pool.
type WarmBot struct {
	Slot          int        `json:"pool_slot"`
	ContainerID   string     `json:"container_id"`
	Status        WarmStatus `json:"status"`
	BoundTenantID string     `json:"bound_tenant_id,omitempty"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
}

// JobStatus is the state of an async provision job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// ProvisionRequest carries tenant creation parameters as submitted by a
// front-end. Unknown fields in the wire form are rejected.
type ProvisionRequest struct {
	BotToken       string `json:"bot_token"`
	OwnerContactID int64  `json:"owner_contact_id"`
	DisplayName    string `json:"display_name,omitempty"`
	Plan           Plan   `json:"plan,omitempty"`
	SubmittedBy    int64  `json:"submitted_by,omitempty"`
}

// ProvisionJob is one queued unit of provisioning work.
type ProvisionJob struct {
	ID          string           `json:"job_id"`
	RequestedAt time.Time        `json:"requested_at"`
	StartedAt   time.Time        `json:"started_at,omitempty"`
	CompletedAt time.Time        `json:"completed_at,omitempty"`
	Input       ProvisionRequest `json:"input"`
	Status      JobStatus        `json:"status"`
	Attempt     int              `json:"attempt"`
}

// ProvisionResult is the durable outcome of a provision job, stored in the
// result store and returned by the synchronous API.
type ProvisionResult struct {
	Success        bool        `json:"success"`
	TenantID       string      `json:"tenant_id,omitempty"`
	ContainerID    string      `json:"container_identity,omitempty"`
	CachePartition int         `json:"cache_partition,omitempty"`
	SchemaName     string      `json:"schema_identity,omitempty"`
	WarmClaim      bool        `json:"warm_claim,omitempty"`
	Error          FailureKind `json:"error,omitempty"`
	ErrorDetail    string      `json:"error_detail,omitempty"`
	Compensation   []string    `json:"compensation,omitempty"`
	CompletedAt    time.Time   `json:"completed_at"`
}

// ContainerSpec describes a container the driver should create.
type ContainerSpec struct {
	Name   string
	Image  string
	Env    []string
	Labels map[string]string
}

// Container labels applied to every managed container.
const (
	LabelManagedBy = "managed_by"
	LabelTenantID  = "tenant_id"
	LabelSchema    = "schema"
	LabelPurpose   = "purpose"

	ManagedByValue   = "control_plane"
	PurposeTenantBot = "tenant_bot"
	PurposeWarmPool  = "warm_pool"
)

// ContainerStats is a point-in-time resource snapshot.
type ContainerStats struct {
	Status      string  `json:"status"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	CollectedAt string  `json:"collected_at"`
}

// ValidBotToken reports whether a Telegram bot token has the expected
// "<digits>:<secret>" shape. It does not verify the token with Telegram.
func ValidBotToken(token string) bool {
	idx := strings.IndexByte(token, ':')
	if idx < 1 || len(token)-idx-1 < 30 {
		return false
	}
	for _, r := range token[:idx] {
		if r < '0' || r > '9' {
			return false
		}
	}
	for _, r := range token[idx+1:] {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
