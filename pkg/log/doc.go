/*
Package log provides structured logging for the hutch control plane using
zerolog.

All components log through the global logger initialized via Init. Child
loggers carry queryable context fields:

	plog := log.WithComponent("provision")
	plog.Info().Str("tenant_id", id).Msg("schema created")

JSON output is the production default; console output is for development.
Never log bot tokens or activation payloads.
*/
package log
