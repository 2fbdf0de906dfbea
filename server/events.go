package server

// EventKind tags an Event on the server's event channel. Connection
// completions and faults share one channel, distinguished by kind.
type EventKind uint8

const (
	// EventCompleted: the service finished the connection without error.
	EventCompleted EventKind = iota

	// EventServiceFault: the service returned an error or panicked. The
	// fault is isolated to that one connection.
	EventServiceFault

	// EventForcedAbort: the connection was abandoned, either at the
	// shutdown deadline or because its worker faulted before servicing it.
	EventForcedAbort

	// EventListenerFault: a listener was removed after a fatal accept
	// error. Worker is -1.
	EventListenerFault
)

func (k EventKind) String() string {
	switch k {
	case EventCompleted:
		return "completed"
	case EventServiceFault:
		return "service-fault"
	case EventForcedAbort:
		return "forced-abort"
	case EventListenerFault:
		return "listener-fault"
	default:
		return "unknown"
	}
}

// Event is one asynchronous outcome report. Listener is the owning listener
// token and Worker the servicing worker index; either is -1 when not
// applicable.
type Event struct {
	Kind     EventKind
	Listener int
	Worker   int
	Err      error
}
