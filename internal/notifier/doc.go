// Package notifier delivers chat notifications asynchronously.
//
// Notify enqueues a transport.Notification and returns immediately. A pool of
// workers drains the queue through a transport.Sender, sharing one token
// bucket so the chat API is never flooded. Failed sends are retried with
// jittered exponential backoff unless the error is permanent (for example the
// bot was blocked).
//
// # Dedup
//
// Identical notifications inside the dedup window are suppressed. With
// PersistDedup the suppress-until times are also written to the store so a
// restart does not resend what was just delivered.
//
// # History
//
// A small in-memory ring of recently delivered messages is kept for the
// admin API.
package notifier
