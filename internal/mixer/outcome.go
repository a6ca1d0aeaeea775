package mixer

// Outcome is the terminal result of a speech request. Every submitted
// utterance ends in exactly one of the terminal outcomes, however it got
// there.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeFailed    Outcome = "failed"
)

// Terminal reports whether the outcome is final.
func (o Outcome) Terminal() bool {
	return o != OutcomePending
}

// utteranceState tracks where an utterance is in its lifecycle.
type utteranceState string

const (
	stateQueued     utteranceState = "queued"
	stateGenerating utteranceState = "generating"
	statePlaying    utteranceState = "playing"
	stateCompleted  utteranceState = "completed"
	stateCancelled  utteranceState = "cancelled"
	stateTimedOut   utteranceState = "timed_out"
	stateFailed     utteranceState = "failed"
)

func (s utteranceState) terminal() bool {
	switch s {
	case stateCompleted, stateCancelled, stateTimedOut, stateFailed:
		return true
	}
	return false
}

func stateFor(outcome Outcome) utteranceState {
	switch outcome {
	case OutcomeCompleted:
		return stateCompleted
	case OutcomeCancelled:
		return stateCancelled
	case OutcomeTimedOut:
		return stateTimedOut
	default:
		return stateFailed
	}
}
