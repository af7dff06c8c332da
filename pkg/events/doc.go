/*
Package events provides an in-process broker for tenant lifecycle events.

The registry, provisioning engine, coordinator, and enforcer publish;
the notification dispatcher subscribes and fans the owner-facing subset
out to Telegram. Delivery is best-effort: a slow subscriber loses events
rather than blocking publishers.
*/
package events
