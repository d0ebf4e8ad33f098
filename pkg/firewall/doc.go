// Package firewall resolves, per tool invocation and execution scope,
// whether a command is auto-approved, requires confirmation, or is denied.
//
// Invariants:
// - Resolution is a pure function of (policy snapshot, command, context).
// - The policy document's content hash is re-verified before every
//   decision; a mismatch fails closed to deny until an explicit reload.
// - Every decision is appended to the audit trail, allowed or not.
// - Elevated invocations bypass ask, never deny.
package firewall
