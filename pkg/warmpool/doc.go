/*
Package warmpool maintains pre-started bot containers that provisioning
can bind to a new tenant without paying the cold-start cost.

Pool membership lives in the container runtime (warmbot-N containers);
per-member status and activation config live in Redis keys shared with
the bot processes. All claim transitions are compare-and-swap on those
keys, so multiple control-plane components can race safely.
*/
package warmpool
