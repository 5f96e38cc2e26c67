package kernel

// Semaphore is a counting wait object.
type Semaphore struct {
	objectBase
	waitQueue
	refCount

	k     *Kernel
	count int32
	max   int32
}

// NewSemaphore creates a semaphore holding initial of max permits.
func (k *Kernel) NewSemaphore(name string, initial, max int32) (*Semaphore, Result) {
	if max <= 0 || initial < 0 || initial > max {
		return nil, ResultOutOfRange
	}
	return &Semaphore{
		objectBase: objectBase{id: k.newObjectID(), name: name},
		k:          k,
		count:      initial,
		max:        max,
	}, ResultSuccess
}

func (s *Semaphore) HandleType() HandleType { return HandleTypeSemaphore }
func (s *Semaphore) Count() int32           { return s.count }
func (s *Semaphore) Max() int32             { return s.max }

func (s *Semaphore) ShouldWait(*Thread) bool { return s.count <= 0 }

func (s *Semaphore) Acquire(t *Thread) {
	if s.count <= 0 {
		s.k.fatalf(t, "acquire of empty semaphore %q", s.name)
	}
	s.count--
}

// Release returns n permits and wakes the waiters they satisfy. It returns
// the count before the release.
func (s *Semaphore) Release(n int32) (int32, Result) {
	if n <= 0 || s.max-s.count < n {
		return s.count, ResultOutOfRange
	}
	prev := s.count
	s.count += n
	wakeupAllWaitingThreads(s)
	return prev, ResultSuccess
}
