package launch

// State describes where a supervised node process is in its lifecycle.
type State int

const (
	// NotStarted means Launch has not been called.
	NotStarted State = iota
	// Launching means the process is being constructed and started.
	Launching
	// Running means the process was started and was alive at last check.
	Running
	// Stopped means the process was stopped deliberately.
	Stopped
	// Crashed means the process exited without being asked to.
	Crashed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Launching:
		return "launching"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Crashed:
		return "crashed"
	default:
		return "unknown"
	}
}
