// Package notifier fans notifications out to every registered recipient.
//
// Notify queues a message for the worker pool; Deliver sends it inline and
// returns a Report. Both paths share the same rate limit, per-recipient retry
// with jittered backoff, and dedup by message key. Dedup entries can be
// persisted through the store so a restart inside the window does not resend.
//
// Each delivery appends an audit entry to the store and a line to a small
// in-memory history used by the health endpoint.
package notifier
