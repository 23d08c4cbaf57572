// Package storage persists tracked subscriptions and notifier dedup state.
//
// Drivers: file (JSON lines journal + snapshot), sqlite, mysql, postgres and
// redis. Every driver stores one row per (entity, mode) holding the marker and
// the channel map, so a write always replaces the whole subscription.
package storage
