// Package tools holds the capability registry and the approval state that
// gates risky executions.
//
// Invariants:
// - Tool names are unique; risk levels are fixed at registration.
// - The registry is read-only during loop execution.
// - Inputs are validated against the declared JSON schema before dispatch.
// - Call tokens authorize exactly one invocation and are spent on use.
package tools
