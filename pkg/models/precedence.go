package models

// finalStatePrecedence orders terminal states from worst to best.
var finalStatePrecedence = []StateType{
	StateKilled,
	StateFailed,
	StateWarning,
	StateCancelled,
	StateSuccess,
}

// WorstState returns the worst of the given states using the final state precedence.
// SKIPPED counts as SUCCESS and RETRIED as FAILED. An empty input yields SUCCESS.
func WorstState(states ...StateType) StateType {
	worst := len(finalStatePrecedence) - 1

	for _, s := range states {
		switch s {
		case StateSkipped:
			s = StateSuccess
		case StateRetried:
			s = StateFailed
		}

		for i, candidate := range finalStatePrecedence {
			if candidate == s && i < worst {
				worst = i
			}
		}
	}

	return finalStatePrecedence[worst]
}
