package segment

import "fmt"

// State represents the segmentation state of a stream.
type State int

const (
	// StateAccumulating - no confirmed speech since the last boundary.
	StateAccumulating State = iota
	// StateInUtterance - speech confirmed, accumulating until a qualifying silence.
	StateInUtterance
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateAccumulating:
		return "ACCUMULATING"
	case StateInUtterance:
		return "IN_UTTERANCE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}
