// Package notifier delivers change notifications and scheduled announcements.
//
// Notifications are queued and sent by a small worker pool with a token
// bucket rate limit, bounded retries with jittered backoff and a per-send
// timeout. Identical (chat, text) pairs inside the dedup window are
// suppressed; the window can be persisted through storage so a restart does
// not resend what was just delivered.
//
// Service implements monitor.Sink, so the scheduler never blocks on the chat
// platform: Deliver only enqueues.
package notifier
