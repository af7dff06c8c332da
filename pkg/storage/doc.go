/*
Package storage persists the tenant registry in Postgres.

The control-plane schema (default master_bot) owns three tables: tenants,
payments, and audit_log. Tenant mutations are single short transactions;
audit events always travel in the transaction of the change that produced
them. The unique indexes on bot_token and cache_partition are the only
serialization points for allocation — there are no application-level
locks.

Partition allocation happens inside the INSERT itself: the statement
selects the smallest ordinal absent from tenants.cache_partition and uses
it in the same command, so two racing allocations cannot observe the same
free ordinal without one of them failing the unique index and retrying.

MemStore mirrors these semantics in memory for tests.
*/
package storage
