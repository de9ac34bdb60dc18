// Package subagent spawns bounded-depth, bounded-time delegated agent runs.
//
// Invariants:
// - Depth is explicit data on each request; a spawn at or beyond the
//   maximum depth is rejected before any record is created.
// - A run starts from the task text only, never the parent's message list.
// - A run sees only the tools its agent names; an agent naming none runs
//   with an empty tool set.
// - WaitResult returns within the run's timeout plus a small grace, never
//   hanging on a stuck run.
// - Cancellation is cooperative and transitions the run to Cancelled.
package subagent
