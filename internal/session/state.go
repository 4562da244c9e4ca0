package session

// State is a session lifecycle state.
type State int32

const (
	// StateIdle is a constructed session that was not started.
	StateIdle State = iota

	// StateBinding covers the permission check and socket bind.
	StateBinding

	// StateServing means the serve loop is running.
	StateServing

	// StateStopping means resources are being released.
	StateStopping

	// StateStopped is terminal.
	StateStopped

	// StatePermissionFailed is terminal: microphone access was refused.
	StatePermissionFailed

	// StateBindFailed is terminal: the socket could not be bound.
	StateBindFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBinding:
		return "binding"
	case StateServing:
		return "serving"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StatePermissionFailed:
		return "permission_failed"
	case StateBindFailed:
		return "bind_failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateStopped || s == StatePermissionFailed || s == StateBindFailed
}
