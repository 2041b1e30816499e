package recording

// State is the orchestrator's lifecycle position.
//
//	Idle -> Starting -> Recording -> Stopping -> Idle
//	Starting|Recording -> Error -> (reset) -> Idle
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateRecording State = "recording"
	StateStopping  State = "stopping"
	StateError     State = "error"
)

func (s State) String() string {
	return string(s)
}
