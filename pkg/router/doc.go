// Package router resolves model aliases and executes calls over an ordered
// candidate chain with retry and fallback.
//
// Invariants:
// - The chain is [primary] ++ fallbacks ++ global fallbacks, deduplicated,
//   first occurrence wins.
// - One routing snapshot serves a whole invocation; reloads never tear a
//   chain mid-flight.
// - Transient failures retry the same candidate with exponential backoff;
//   permanent failures move to the next candidate immediately.
// - Once a stream has emitted a chunk there is no fallback; later failures
//   are terminal stream errors.
package router
