/*
Package events provides an in-memory publish/subscribe broker for worker
lifecycle notifications (suspend, resume, fail, exit, update outcome,
shard assignment/revocation).

Publishing never blocks on subscribers: a full subscriber buffer drops
the event rather than stalling the worker that published it. This
package carries no durability guarantee of its own; worker state
changes are made durable by the oplog, not by this broker.
*/
package events
