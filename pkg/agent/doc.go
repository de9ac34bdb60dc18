// Package agent orchestrates one turn end to end: per-identity locking,
// session resolution, context assembly and the tool-use loop.
package agent
