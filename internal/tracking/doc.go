// Package tracking schedules fair, rate-bounded polling of (entity, mode)
// subscriptions.
//
// Tracker keeps three structures in step:
//   - Table: subscription records (marker + channel limits), lock-free reads
//   - Schedule: a min-heap of keys ordered by when they were last re-queued
//   - Controller: the cycle cursor that spreads one pass over the interval
//
// A single consumer calls Pop, polls the returned keys, calls UpdateMarker
// when it saw newer items, and always calls Reset to put each key back at the
// end of the line. Mutations are persisted before they are applied in memory.
package tracking
