/*
Package coordinator runs the asynchronous provisioning workers.

Jobs arrive through the Redis queue and are executed by a bounded pool.
Claimed jobs are journaled locally in bbolt until their result is
stored, which makes delivery at least once: a crash between claim and
completion requeues the job at the next start instead of dropping it.
*/
package coordinator
