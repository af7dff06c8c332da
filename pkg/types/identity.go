package types

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// NewTenantID returns a fresh opaque tenant identifier.
func NewTenantID() string {
	return uuid.New().String()
}

// hexID strips the dashes from a uuid-form tenant ID so the result is a
// valid identifier fragment.
func hexID(tenantID string) string {
	return strings.ToLower(strings.ReplaceAll(tenantID, "-", ""))
}

// ContainerIdentity derives the stable container name for a tenant.
func ContainerIdentity(tenantID string) string {
	h := hexID(tenantID)
	if len(h) > 12 {
		h = h[:12]
	}
	return "tenantbot-" + h
}

// SchemaIdentity derives the per-tenant database schema name. The result
// is a valid lowercase SQL identifier.
func SchemaIdentity(tenantID string) string {
	return "bot_" + hexID(tenantID)
}

// WarmContainerIdentity names the container occupying a warm pool slot.
func WarmContainerIdentity(slot int) string {
	return "warmbot-" + strconv.Itoa(slot)
}
