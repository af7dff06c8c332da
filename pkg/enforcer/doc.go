// Package enforcer is the subscription sweep: it suspends expired
// tenants, warns owners ahead of expiry, and reconciles container state.
package enforcer
