// Package notify delivers collections of work items to configured targets.
//
// A Channel turns items into a delivery for one target type:
//   - AgentChannel drives a long-lived agent subprocess over JSON-RPC on stdio
//     (see package session)
//   - ScriptChannel spawns a command per delivery and writes the items to its stdin
//
// Dispatcher resolves a target by name, picks its channel, restores and persists
// agent session ids through an optional Store, records each outcome in the
// delivery log and publishes it on the event hub.
//
// Error handling:
//   - Unknown target, unknown type or an invalid target → *config.ConfigError,
//     returned before any subprocess is started
//   - Everything else (spawn failure, timeout, peer error, broken pipe, non-zero
//     exit) → Result{Success: false, Error: ...}
//
// Nothing is retried. A timed-out agent request is only abandoned locally.
package notify
