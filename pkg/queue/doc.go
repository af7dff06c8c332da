// Package queue implements the Redis-backed provisioning job queue and
// the TTL-bound result store admins poll for job outcomes.
package queue
