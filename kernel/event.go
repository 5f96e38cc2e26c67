package kernel

// ResetType controls what happens to a signaled event or timer once
// waiters have been released.
type ResetType uint8

const (
	// ResetOneShot clears the signal when a waiter acquires it.
	ResetOneShot ResetType = iota
	// ResetSticky keeps the signal until Clear.
	ResetSticky
	// ResetPulse releases current waiters and clears immediately.
	ResetPulse
)

func (r ResetType) String() string {
	switch r {
	case ResetOneShot:
		return "one-shot"
	case ResetSticky:
		return "sticky"
	case ResetPulse:
		return "pulse"
	default:
		return "unknown"
	}
}

// Event is a signalable wait object.
type Event struct {
	objectBase
	waitQueue
	refCount

	k         *Kernel
	resetType ResetType
	signaled  bool
}

// NewEvent creates an unsignaled event.
func (k *Kernel) NewEvent(name string, reset ResetType) *Event {
	return &Event{
		objectBase: objectBase{id: k.newObjectID(), name: name},
		k:          k,
		resetType:  reset,
	}
}

func (e *Event) HandleType() HandleType { return HandleTypeEvent }
func (e *Event) ResetType() ResetType   { return e.resetType }
func (e *Event) Signaled() bool         { return e.signaled }

func (e *Event) ShouldWait(*Thread) bool { return !e.signaled }

func (e *Event) Acquire(t *Thread) {
	if !e.signaled {
		e.k.fatalf(t, "acquire of unsignaled event %q", e.name)
	}
	if e.resetType == ResetOneShot {
		e.signaled = false
	}
}

// Signal sets the event and releases the waiters it satisfies.
func (e *Event) Signal() {
	e.signaled = true
	wakeupAllWaitingThreads(e)
	if e.resetType == ResetPulse {
		e.signaled = false
	}
}

// Clear resets the event.
func (e *Event) Clear() { e.signaled = false }
