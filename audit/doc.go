// Package audit records security events in bounded, newest-first logs.
//
// # Components
//
//   - [Log] is the entry point. It stamps events, appends them to a [Store],
//     writes them to a zap logger at a level derived from [Severity] and hands
//     high and critical events to an [Alerter].
//   - [RedisStore] and [MemoryStore] keep a global log of at most
//     [GlobalCapacity] events and per-user logs of at most [UserCapacity].
//   - Alerts are delivered off the caller's goroutine by a bounded
//     dispatcher. When its buffer is full the alert is dropped and counted.
//
// Recording is best-effort: store failures are logged, never returned to the
// caller of [Log.LogEvent].
package audit
