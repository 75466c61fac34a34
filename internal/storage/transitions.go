package storage

// validTransitions encodes the state machine from spec §4.H. Backends call
// ValidateTransition before applying a compare-and-set status update so the
// same rules are enforced identically regardless of storage medium.
var validTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskWorking: {
		TaskInputRequired: true,
		TaskCompleted:     true,
		TaskFailed:        true,
		TaskCancelled:     true,
	},
	TaskInputRequired: {
		TaskWorking:   true,
		TaskCancelled: true,
	},
}

// ValidateTransition reports whether moving from to is legal. Terminal
// states accept no further transitions.
func ValidateTransition(from, to TaskStatus) error {
	if from.Terminal() {
		return &InvalidTransitionError{From: from, To: to}
	}
	if validTransitions[from][to] {
		return nil
	}
	return &InvalidTransitionError{From: from, To: to}
}
