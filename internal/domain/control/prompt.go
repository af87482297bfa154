package control

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// MaxPageContent bounds the page text embedded in a prompt.
const MaxPageContent = 50000

// SystemPrompt is sent as the system message to every connector.
const SystemPrompt = "You are a web browsing assistant that makes decisions about what actions to take. " +
	"Always respond with a valid JSON object."

// BuildPrompt renders the user prompt for a decision.
func BuildPrompt(dc DecisionContext) string {
	content := dc.Observation.Content
	if len(content) > MaxPageContent {
		content = content[:MaxPageContent]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Current URL: %s\n", dc.Observation.URL)
	if dc.Observation.Title != "" {
		fmt.Fprintf(&b, "Page Title: %s\n", dc.Observation.Title)
	}
	fmt.Fprintf(&b, "\nObjective: %s\n", dc.Objective)
	if len(dc.Instructions) > 0 {
		b.WriteString("\nPending Instructions (oldest first):\n")
		for i, in := range dc.Instructions {
			fmt.Fprintf(&b, "%d. %s\n", i+1, in)
		}
	}
	b.WriteString("\nAvailable Actions:\n")
	for _, a := range actionsOrDefault(dc.AvailableActions) {
		fmt.Fprintf(&b, "- %s\n", a)
	}
	b.WriteString("\nPage Content (may be truncated):\n")
	b.WriteString(content)
	b.WriteString("\n\nBased on the page content and instructions, what should I do next?\n")
	b.WriteString("Return a JSON object with the following structure:\n")
	b.WriteString(`{"action": "one of the available actions", "parameters": {"param1": "value1"}, "reasoning": "why"}`)
	return b.String()
}

type rawAction struct {
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
	Reasoning  string         `json:"reasoning"`
}

// ParseAction extracts the JSON object between the first '{' and the last '}'
// of a model reply. Unparseable replies and actions outside the available set
// fall back to the first available action.
func ParseAction(reply string, available []ActionType) Action {
	available = actionsOrDefault(available)
	fallback := Action{Type: available[0]}

	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		fallback.Reasoning = "Failed to parse a decision from the response."
		return fallback
	}

	var raw rawAction
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		fallback.Reasoning = "Failed to parse a decision from the response."
		return fallback
	}
	if !slices.Contains(available, ActionType(raw.Action)) {
		fallback.Reasoning = "The originally suggested action was not available."
		return fallback
	}

	a := Action{Type: ActionType(raw.Action), Reasoning: raw.Reasoning}
	if len(raw.Parameters) > 0 {
		a.Parameters = make(map[string]string, len(raw.Parameters))
		for k, v := range raw.Parameters {
			switch val := v.(type) {
			case string:
				a.Parameters[k] = val
			default:
				a.Parameters[k] = fmt.Sprint(val)
			}
		}
	}
	return a
}

func actionsOrDefault(a []ActionType) []ActionType {
	if len(a) == 0 {
		return DefaultActions
	}
	return a
}
