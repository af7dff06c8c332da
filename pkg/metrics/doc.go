// Package metrics defines the Prometheus metrics for the control plane
// and a collector that samples gauge values from the other subsystems.
package metrics
