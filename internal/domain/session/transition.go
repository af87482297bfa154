package session

// transitions is the legal lifecycle table. Any non-terminal status may also
// move to failed.
var transitions = map[Status][]Status{
	StatusPending:      {StatusProvisioning},
	StatusProvisioning: {StatusRunning, StatusTerminating},
	StatusRunning:      {StatusPausing, StatusTerminating},
	StatusPausing:      {StatusPaused, StatusTerminating},
	StatusPaused:       {StatusRunning, StatusTerminating},
	StatusTerminating:  {StatusTerminated},
}

// CanTransition reports whether a session may move from one status to another.
// Staying in the same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if to == StatusFailed {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanSwitch reports whether the control mode may move from one mode to another.
func CanSwitch(from, to ControlMode) bool {
	if from == to {
		return true
	}
	switch to {
	case ModeActive:
		return from == ModePaused || from == ModeManualOverride
	case ModePaused:
		return from == ModeActive || from == ModeManualOverride
	case ModeManualOverride:
		return from == ModeActive || from == ModePaused
	}
	return false
}
