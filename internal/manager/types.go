package manager

import "time"

// State is the lifecycle position of one model.
type State string

const (
	StateNotCached   State = "not_cached"
	StateDownloading State = "downloading"
	StateCached      State = "cached"
	StateLoading     State = "loading"
	StateReady       State = "ready"
	StateFailed      State = "failed"
)

var stateRank = map[State]int{
	StateNotCached:   0,
	StateDownloading: 1,
	StateCached:      2,
	StateLoading:     3,
	StateReady:       4,
}

// Status is the published state of a model. Reason is set for StateFailed.
type Status struct {
	State     State
	Reason    string
	UpdatedAt time.Time
}

// canTransition keeps states moving forward. Failed may be entered from
// anything short of Ready and is left by the next attempt.
func canTransition(from, to State) bool {
	switch {
	case from == StateReady:
		return false
	case to == StateFailed:
		return true
	case from == StateFailed:
		return true
	default:
		return stateRank[to] > stateRank[from]
	}
}
