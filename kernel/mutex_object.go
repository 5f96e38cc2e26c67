package kernel

// Mutex is a recursive kernel mutex usable as a wait object. Guest user
// mode mutexes go through ArbitrateLock instead; this one serves HLE code
// that blocks guest threads on host-side resources.
type Mutex struct {
	objectBase
	waitQueue
	refCount

	k         *Kernel
	holder    *Thread
	lockCount int
}

// NewMutex creates an unlocked mutex.
func (k *Kernel) NewMutex(name string) *Mutex {
	return &Mutex{objectBase: objectBase{id: k.newObjectID(), name: name}, k: k}
}

func (m *Mutex) HandleType() HandleType { return HandleTypeMutex }

// Holder returns the owning thread, or nil.
func (m *Mutex) Holder() *Thread { return m.holder }

func (m *Mutex) LockCount() int { return m.lockCount }

func (m *Mutex) ShouldWait(t *Thread) bool {
	return m.lockCount > 0 && m.holder != t
}

func (m *Mutex) Acquire(t *Thread) {
	if m.ShouldWait(t) {
		m.k.fatalf(t, "acquire of mutex %q held by %q", m.name, m.holder.name)
	}
	if m.lockCount == 0 {
		m.holder = t
		t.heldMutexes = append(t.heldMutexes, m)
	}
	m.lockCount++
}

// Release drops one level of recursion held by t.
func (m *Mutex) Release(t *Thread) Result {
	if m.holder != t || m.lockCount == 0 {
		return ResultInvalidState
	}
	m.lockCount--
	if m.lockCount == 0 {
		m.drop()
	}
	return ResultSuccess
}

// forceRelease releases every recursion level held by t.
func (m *Mutex) forceRelease(t *Thread) {
	if m.holder != t {
		m.k.fatalf(t, "force release of mutex %q held by another thread", m.name)
	}
	m.lockCount = 0
	m.drop()
}

func (m *Mutex) drop() {
	t := m.holder
	for i, x := range t.heldMutexes {
		if x == m {
			t.heldMutexes = append(t.heldMutexes[:i], t.heldMutexes[i+1:]...)
			break
		}
	}
	m.holder = nil
	wakeupAllWaitingThreads(m)
}
