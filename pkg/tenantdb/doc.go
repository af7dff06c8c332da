// Package tenantdb materializes and tears down per-tenant booking
// schemas. One schema per tenant keeps data isolated without one
// database per tenant.
package tenantdb
