// Package agent drives the orchestration loop: one inbound message in,
// one bounded, policy-compliant outbound message out. A turn parses
// inline directives, bounds the conversation against the model's
// context window, calls the provider fallback chain, and runs the
// model's tool calls through the command firewall and the tool
// executor until a final answer or an iteration limit.
//
// Turns for the same session are serialized through a per-session lane;
// turns for different sessions run in parallel. The loop never crashes
// the host process: provider exhaustion, tool failures, and policy
// denials all end in a well-formed user-visible message.
package agent
