package kernel

// Handle is an opaque guest reference to a kernel object.
//
// Bits 0-14 select the table slot, bits 15-29 carry a generation so a
// stale handle never aliases a reused slot.
type Handle uint32

const (
	InvalidHandle        Handle = 0
	CurrentThreadHandle  Handle = 0xFFFF8000
	CurrentProcessHandle Handle = 0xFFFF8001
)

const (
	handleSlotBits = 15
	handleSlotMask = 1<<handleSlotBits - 1
	handleGenMask  = 1<<handleSlotBits - 1

	// DefaultHandleTableSize is the per-process handle limit.
	DefaultHandleTableSize = 1024
)

func (h Handle) slot() int          { return int(uint32(h) & handleSlotMask) }
func (h Handle) generation() uint16 { return uint16((uint32(h) >> handleSlotBits) & handleGenMask) }

// HandleTable maps handles to objects. Each live entry holds one reference
// on counted objects.
type HandleTable struct {
	objects     []Object
	generations []uint16
	freeList    []int
	nextGen     uint16
	count       int
}

// NewHandleTable returns a table with room for size handles.
func NewHandleTable(size int) *HandleTable {
	if size <= 0 || size > handleSlotMask {
		size = DefaultHandleTableSize
	}
	t := &HandleTable{
		objects:     make([]Object, size),
		generations: make([]uint16, size),
		freeList:    make([]int, 0, size),
		nextGen:     1,
	}
	for i := size - 1; i >= 0; i-- {
		t.freeList = append(t.freeList, i)
	}
	return t
}

// Create allocates a handle for obj.
func (t *HandleTable) Create(obj Object) (Handle, Result) {
	if obj == nil {
		return InvalidHandle, ResultInvalidPointer
	}
	if len(t.freeList) == 0 {
		return InvalidHandle, ResultHandleTableFull
	}
	slot := t.freeList[len(t.freeList)-1]
	t.freeList = t.freeList[:len(t.freeList)-1]

	gen := t.nextGen
	t.nextGen++
	if t.nextGen > handleGenMask {
		t.nextGen = 1
	}

	t.objects[slot] = obj
	t.generations[slot] = gen
	t.count++
	if c, ok := obj.(counted); ok {
		c.acquireRef()
	}
	return Handle(uint32(gen)<<handleSlotBits | uint32(slot)), ResultSuccess
}

// Get returns the object behind h.
func (t *HandleTable) Get(h Handle) (Object, bool) {
	slot := h.slot()
	if h == InvalidHandle || uint32(h)>>30 != 0 || slot >= len(t.objects) {
		return nil, false
	}
	if t.objects[slot] == nil || t.generations[slot] != h.generation() {
		return nil, false
	}
	return t.objects[slot], true
}

// Close releases h.
func (t *HandleTable) Close(h Handle) Result {
	obj, ok := t.Get(h)
	if !ok {
		return ResultInvalidHandle
	}
	slot := h.slot()
	t.objects[slot] = nil
	t.generations[slot] = 0
	t.freeList = append(t.freeList, slot)
	t.count--
	if c, ok := obj.(counted); ok {
		c.releaseRef()
	}
	return ResultSuccess
}

// Len returns the number of live handles.
func (t *HandleTable) Len() int { return t.count }

// getObject looks up h and narrows it to T.
func getObject[T Object](t *HandleTable, h Handle) (T, bool) {
	var zero T
	obj, ok := t.Get(h)
	if !ok {
		return zero, false
	}
	v, ok := obj.(T)
	return v, ok
}
