package analysis

// State is a position in a run's lifecycle.
type State int

const (
	Launching State = iota
	SessionReady
	Hooked
	SampleExecuting
	Luring
	Draining
	Finalizing
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Launching:
		return "launching"
	case SessionReady:
		return "session_ready"
	case Hooked:
		return "hooked"
	case SampleExecuting:
		return "sample_executing"
	case Luring:
		return "luring"
	case Draining:
		return "draining"
	case Finalizing:
		return "finalizing"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed
}
