/*
Package types defines the domain model shared across the hutch control
plane: tenants and their subscription state machine, warm pool slots,
provision jobs and results, audit events, container specs, and the error
taxonomy returned by the provisioning engine.

The package has no dependencies on storage, the cache, or the container
runtime; every payload that crosses a process boundary (job queue, result
store, pool entries, activation records) is a struct defined here with an
explicit JSON schema.
*/
package types
