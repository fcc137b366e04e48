package entities

// PluginProcessState is the lifecycle state of one PluginHost's process.
type PluginProcessState int

const (
	StateNotLoaded PluginProcessState = iota
	StateLoaded
	StateUnloading
	StateClosing
)

func (s PluginProcessState) String() string {
	switch s {
	case StateNotLoaded:
		return "NotLoaded"
	case StateLoaded:
		return "Loaded"
	case StateUnloading:
		return "Unloading"
	case StateClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// SessionState is the lifecycle state of one codec session actor.
type SessionState int

const (
	SessionInitial SessionState = iota
	SessionOpen
	SessionDead
)

func (s SessionState) String() string {
	switch s {
	case SessionInitial:
		return "Initial"
	case SessionOpen:
		return "Open"
	case SessionDead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// SessionKind identifies the protocol an actor speaks.
type SessionKind uint8

const (
	KindDecoder SessionKind = iota + 1
	KindEncoder
	KindStorage
)

func (k SessionKind) String() string {
	switch k {
	case KindDecoder:
		return "decoder"
	case KindEncoder:
		return "encoder"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}
