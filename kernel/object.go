package kernel

// HandleType identifies the kind of kernel object behind a handle.
type HandleType uint8

const (
	HandleTypeUnknown HandleType = iota
	HandleTypeEvent
	HandleTypeSemaphore
	HandleTypeMutex
	HandleTypeTimer
	HandleTypeThread
	HandleTypeProcess
	HandleTypeSession
)

func (t HandleType) String() string {
	switch t {
	case HandleTypeEvent:
		return "Event"
	case HandleTypeSemaphore:
		return "Semaphore"
	case HandleTypeMutex:
		return "Mutex"
	case HandleTypeTimer:
		return "Timer"
	case HandleTypeThread:
		return "Thread"
	case HandleTypeProcess:
		return "Process"
	case HandleTypeSession:
		return "Session"
	default:
		return "Unknown"
	}
}

// Object is anything a handle can refer to.
type Object interface {
	ObjectID() uint32
	Name() string
	HandleType() HandleType
}

type objectBase struct {
	id   uint32
	name string
}

func (o *objectBase) ObjectID() uint32 { return o.id }
func (o *objectBase) Name() string     { return o.name }

// counted is implemented by objects whose lifetime is tracked by explicit
// references (handle table entries, scheduler membership, pending timers).
type counted interface {
	acquireRef()
	releaseRef()
}

// refCount is a reference counter guarded by the kernel lock.
type refCount struct {
	n       int
	release func()
}

func (r *refCount) acquireRef() { r.n++ }

func (r *refCount) releaseRef() {
	r.n--
	if r.n == 0 && r.release != nil {
		r.release()
	}
}

// Refs returns the number of live references.
func (r *refCount) Refs() int { return r.n }
