/*
Package election provides leader election for hot-standby deployments.

Tenant state lives in Postgres and Redis, so nodes share everything
except the background loops: the job workers, the expiry enforcer and
the pool autoscaler must run on exactly one node at a time. A small
Raft cluster with an empty state machine elects that node; the REST
API stays up on every node, with mutating routes gated to the leader.
*/
package election
