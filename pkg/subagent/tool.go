package subagent

import (
	"context"
	"fmt"
	"time"

	"github.com/rafi/astra/internal/tracing"
	"github.com/rafi/astra/pkg/tools"
)

// DelegateToolName is the registry name of the delegation tool.
const DelegateToolName = "delegate_task"

// DelegateTool exposes the runner as a capability the model can call. A
// delegation failure is reported as a tool error so the parent conversation
// continues.
type DelegateTool struct {
	runner *Runner
}

// NewDelegateTool wraps a runner as a registry capability.
func NewDelegateTool(runner *Runner) *DelegateTool {
	return &DelegateTool{runner: runner}
}

// Definition implements tools.Capability.
func (d *DelegateTool) Definition() tools.Definition {
	return tools.Definition{
		Name:        DelegateToolName,
		Description: "Delegate a self-contained task to another agent and wait for its result. The sub-agent starts from the task description only and uses its own model and tools.",
		InputSchema: tools.ObjectSchema(map[string]interface{}{
			"agent_id": map[string]interface{}{
				"type":        "string",
				"description": "Identifier of the agent to delegate to",
			},
			"task": map[string]interface{}{
				"type":        "string",
				"description": "Complete description of the task, including all context the sub-agent needs",
			},
			"timeout_seconds": map[string]interface{}{
				"type":        "integer",
				"description": "Optional execution limit in seconds",
			},
		}, []string{"agent_id", "task"}),
		Risk: tools.RiskSafe,
	}
}

// Execute implements tools.Capability. It spawns a run at the caller's
// depth plus one and blocks until the run finishes or times out.
func (d *DelegateTool) Execute(ctx context.Context, input map[string]interface{}) (string, error) {
	agentID, _ := input["agent_id"].(string)
	task, _ := input["task"].(string)

	var timeout time.Duration
	if seconds, ok := input["timeout_seconds"].(float64); ok && seconds > 0 {
		timeout = time.Duration(seconds) * time.Second
	}

	runID, err := d.runner.Spawn(ctx, Request{
		TargetAgentID: agentID,
		Task:          task,
		ParentRunID:   tracing.GetRunID(ctx),
		TraceID:       tracing.GetTraceID(ctx),
		Depth:         DepthFromContext(ctx) + 1,
		Timeout:       timeout,
	})
	if err != nil {
		return "", fmt.Errorf("delegation to %s failed: %w", agentID, err)
	}

	result, err := d.runner.WaitResult(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("delegation to %s failed: %w", agentID, err)
	}

	if result.Status != StatusCompleted {
		return "", fmt.Errorf("sub-agent %s finished with status %s: %s", agentID, result.Status, result.Err)
	}
	return result.Output, nil
}
