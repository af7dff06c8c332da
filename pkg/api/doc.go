// Package api exposes the admin REST surface of the control plane:
// tenant CRUD and lifecycle, async job submission and polling, container
// diagnostics, warm pool inspection and cluster membership. Mutating
// routes are served only by the elected leader.
package api
