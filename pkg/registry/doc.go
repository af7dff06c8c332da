/*
Package registry is the authoritative tenant registry.

It wraps the control-plane store with the subscription state machine,
expiry arithmetic, audit emission, and lifecycle event publication.
All state changes go through here so that the audit trail and the
tenant row always move in the same database transaction.
*/
package registry
