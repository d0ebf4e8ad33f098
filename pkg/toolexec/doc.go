// Package toolexec manages the tool registry and executes tool calls on
// behalf of the orchestration loop. Parameters are validated against a
// JSON Schema generated from each tool definition, execution is bounded
// by a per-tool timeout, and oversized results are truncated before
// they re-enter the conversation.
package toolexec
