package queue

// Task statuses.
const (
	READY   = "r"
	TAKEN   = "t"
	DONE    = "-"
	BURIED  = "!"
	DELAYED = "~"
)

type State int

const (
	UnknownState State = iota
	RunningState
	EndingState
)

var stateToStr = map[State]string{
	UnknownState: "UNKNOWN",
	RunningState: "RUNNING",
	EndingState:  "ENDING",
}

// String converts a State to a string.
func (s State) String() string {
	if str, ok := stateToStr[s]; ok {
		return str
	}
	return stateToStr[UnknownState]
}
