package docker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Strob0t/agentdesk/internal/port/containerruntime"
)

// parseInspect decodes a line rendered with inspectFormat.
func parseInspect(line string) (containerruntime.Status, error) {
	parts := strings.SplitN(line, "|", 4)
	if len(parts) != 4 {
		return containerruntime.Status{}, fmt.Errorf("%w: %q", errBadInspect, line)
	}

	st := containerruntime.Status{
		ID:    parts[0],
		Name:  strings.TrimPrefix(parts[1], "/"),
		State: mapState(parts[2]),
	}
	if raw := strings.TrimSpace(parts[3]); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &st.Labels); err != nil {
			return containerruntime.Status{}, fmt.Errorf("%w: labels: %w", errBadInspect, err)
		}
	}
	return st, nil
}

// mapState folds docker's status vocabulary onto the runtime port's.
func mapState(s string) containerruntime.State {
	switch s {
	case "created":
		return containerruntime.StateCreated
	case "running", "restarting":
		return containerruntime.StateRunning
	case "paused":
		return containerruntime.StatePaused
	case "exited", "removing":
		return containerruntime.StateExited
	case "dead":
		return containerruntime.StateDead
	default:
		return containerruntime.StateMissing
	}
}
