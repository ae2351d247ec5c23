package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/orchestrator"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/quality"
)

// scriptedAgent replays the tool calls a step declares in its input:
//
//	{"calls": [{"tool_id": "fs.write_file", "args": {...}, "mutating": true}],
//	 "artifact": {...}}
//
// Every call goes through the governed tool boundary. The artifact is the
// step's "artifact" input, or a summary of the call results.
type scriptedAgent struct{}

type scriptedInput struct {
	Calls    []orchestrator.ToolCall `json:"calls"`
	Artifact map[string]any          `json:"artifact"`
}

func parseScript(input map[string]any) (scriptedInput, error) {
	var in scriptedInput
	if len(input) == 0 {
		return in, nil
	}
	data, err := json.Marshal(input)
	if err != nil {
		return in, err
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("step input: %w", err)
	}
	return in, nil
}

func (scriptedAgent) Execute(ctx context.Context, sc orchestrator.StepContext, tools orchestrator.ToolCaller) (quality.Artifact, error) {
	in, err := parseScript(sc.Step.Input)
	if err != nil {
		return quality.Artifact{}, err
	}
	results := make([]any, 0, len(in.Calls))
	for _, call := range in.Calls {
		out, err := tools.Call(ctx, call)
		if err != nil {
			return quality.Artifact{}, err
		}
		results = append(results, out)
	}
	if in.Artifact != nil {
		return quality.NewJSONArtifact(in.Artifact)
	}
	return quality.NewJSONArtifact(map[string]any{
		"summary": fmt.Sprintf("step %s ran %d call(s) as %s", sc.Step.ID, len(in.Calls), sc.AgentID),
		"result":  results,
	})
}

// dryRunDriver acknowledges calls without performing them. The server
// evaluates governance; effects belong to whoever embeds the core.
type dryRunDriver struct{}

func (dryRunDriver) Execute(_ context.Context, toolName string, params map[string]any) (any, error) {
	return map[string]any{"tool_id": toolName, "dry_run": true, "params": len(params)}, nil
}
