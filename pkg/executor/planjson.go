package executor

import (
	"encoding/json"
	"fmt"

	"github.com/openfroyo/envrun/pkg/engine"
)

// showPlan is the subset of `show -json <planfile>` needed for counting.
type showPlan struct {
	ResourceChanges []struct {
		Address string `json:"address"`
		Change  struct {
			Actions []string `json:"actions"`
		} `json:"change"`
	} `json:"resource_changes"`
}

// ParsePlanSummary counts resource changes the way the plan footer does:
// a replacement counts as one add and one destroy.
func ParsePlanSummary(data []byte) (*engine.PlanSummary, error) {
	var plan showPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan json: %w", err)
	}

	summary := &engine.PlanSummary{}
	for _, rc := range plan.ResourceChanges {
		actions := rc.Change.Actions
		switch {
		case isReplace(actions):
			summary.Add++
			summary.Destroy++
		case len(actions) == 1 && actions[0] == "create":
			summary.Add++
		case len(actions) == 1 && actions[0] == "update":
			summary.Change++
		case len(actions) == 1 && actions[0] == "delete":
			summary.Destroy++
		}
	}
	return summary, nil
}

func isReplace(actions []string) bool {
	if len(actions) != 2 {
		return false
	}
	return (actions[0] == "delete" && actions[1] == "create") ||
		(actions[0] == "create" && actions[1] == "delete")
}

// ParseOutputs decodes `output -json` into variable values. Strings are
// returned as-is; other types keep their JSON text, which TF_VAR_ accepts.
func ParseOutputs(data []byte) (map[string]string, error) {
	var outputs map[string]struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &outputs); err != nil {
		return nil, fmt.Errorf("failed to decode output json: %w", err)
	}

	values := make(map[string]string, len(outputs))
	for name, out := range outputs {
		var s string
		if err := json.Unmarshal(out.Value, &s); err == nil {
			values[name] = s
			continue
		}
		values[name] = string(out.Value)
	}
	return values, nil
}
