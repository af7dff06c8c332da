// Package notify forwards owner-facing lifecycle events to Telegram.
package notify
