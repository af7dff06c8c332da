// Package client is the Go client for the control plane admin API,
// used by the hutch CLI.
package client
