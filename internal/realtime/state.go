package realtime

// State is the lifecycle state of a stream connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateAuthenticated
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Active reports whether a connection attempt or session is underway.
func (s State) Active() bool {
	return s == StateConnecting || s == StateOpen || s == StateAuthenticated
}

// Event drives Transition.
type Event int

const (
	EvConnect Event = iota
	EvOpened
	EvAuthOK
	EvAuthRejected
	EvClosed
	EvRetryDue
	EvDisconnect
	EvGiveUp
)

func (e Event) String() string {
	switch e {
	case EvConnect:
		return "connect"
	case EvOpened:
		return "opened"
	case EvAuthOK:
		return "auth_ok"
	case EvAuthRejected:
		return "auth_rejected"
	case EvClosed:
		return "closed"
	case EvRetryDue:
		return "retry_due"
	case EvDisconnect:
		return "disconnect"
	case EvGiveUp:
		return "give_up"
	default:
		return "unknown"
	}
}

// Action is a side effect requested by a transition.
type Action int

const (
	ActDial Action = iota
	ActSendAuth
	ActResetBackoff
	ActResubscribe
	ActStartPing
	ActStopPing
	ActMarkLive
	ActClearLive
	ActFlush
	ActCloseSocket
	ActScheduleRetry
)

// Transition is the pure state table. Pairs not listed leave the state
// unchanged with no actions.
func Transition(s State, ev Event) (State, []Action) {
	switch ev {
	case EvConnect:
		switch s {
		case StateIdle, StateClosed, StateFailed:
			return StateConnecting, []Action{ActDial}
		}
	case EvOpened:
		if s == StateConnecting {
			return StateOpen, []Action{ActSendAuth}
		}
	case EvAuthOK:
		if s == StateOpen {
			return StateAuthenticated, []Action{ActResetBackoff, ActResubscribe, ActStartPing, ActMarkLive}
		}
	case EvAuthRejected:
		if s == StateOpen || s == StateConnecting {
			return StateClosed, []Action{ActCloseSocket, ActScheduleRetry}
		}
	case EvClosed:
		switch s {
		case StateConnecting, StateOpen:
			return StateClosed, []Action{ActScheduleRetry}
		case StateAuthenticated:
			return StateClosed, []Action{ActStopPing, ActClearLive, ActFlush, ActScheduleRetry}
		}
	case EvRetryDue:
		if s == StateClosed {
			return StateConnecting, []Action{ActDial}
		}
	case EvGiveUp:
		if s == StateClosed {
			return StateFailed, nil
		}
	case EvDisconnect:
		switch s {
		case StateAuthenticated:
			return StateIdle, []Action{ActStopPing, ActClearLive, ActFlush, ActCloseSocket}
		case StateConnecting, StateOpen:
			return StateIdle, []Action{ActCloseSocket}
		case StateClosed, StateFailed:
			return StateIdle, nil
		}
	}
	return s, nil
}

func has(actions []Action, want Action) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}
