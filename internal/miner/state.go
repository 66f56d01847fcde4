package miner

// State is the engine lifecycle stage.
type State int32

// Lifecycle: Idle → Initializing → Ready → Running → Draining → Stopped.
// A configuration error moves Initializing straight to Stopped.
const (
	StateIdle State = iota
	StateInitializing
	StateReady
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
