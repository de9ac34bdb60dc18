// Package loop drives the tool-use conversation loop: repeated model calls
// with tool dispatch between rounds until a text-only response.
//
// Invariants:
// - Every ToolResult pairs with a ToolUse from the immediately preceding
//   assistant message.
// - Tool and approval failures become error results fed back to the model;
//   only round exhaustion and repeat detection fail the turn.
// - An identical (tool, input) call in two consecutive rounds terminates
//   the loop.
// - Sibling tool calls within a round execute concurrently; their results
//   are reported in request order as one user message.
package loop
