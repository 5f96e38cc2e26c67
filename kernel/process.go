package kernel

import (
	"weak"

	"hzn/memory"
)

const (
	tlsSlotSize   = 0x200
	tlsSlotsPerPg = memory.PageSize / tlsSlotSize

	// TLSRegionBase is where a process' thread-local storage pages start.
	TLSRegionBase uint64 = 0x0000_0001_F000_0000
)

// Process is the owner of threads, handles and an address space. It only
// holds weak references to its threads; each thread holds a counted
// reference to its process.
type Process struct {
	objectBase
	refCount

	k   *Kernel
	pid uint64
	mem memory.Accessor

	handles *HandleTable
	threads []weak.Pointer[Thread]

	idealCore    int32
	allowedCores uint64

	tlsPages []uint8 // per page bitmask of used slots
}

func (p *Process) HandleType() HandleType { return HandleTypeProcess }

// PID returns the process id.
func (p *Process) PID() uint64 { return p.pid }

// Memory returns the process address space.
func (p *Process) Memory() memory.Accessor { return p.mem }

// Handles returns the guest handle table.
func (p *Process) Handles() *HandleTable { return p.handles }

func (p *Process) IdealCore() int32 { return p.idealCore }

// AllowedCores is the mask of cores the process' threads may use.
func (p *Process) AllowedCores() uint64 { return p.allowedCores }

// CreateProcess registers a new process whose address space is mem.
// idealCore is the default core for threads created with ProcessorIDDefault.
func (k *Kernel) CreateProcess(name string, mem memory.Accessor, idealCore int32) *Process {
	if idealCore < 0 || int(idealCore) >= len(k.schedulers) {
		idealCore = 0
	}
	p := &Process{
		k:            k,
		pid:          k.nextProcessID,
		mem:          mem,
		handles:      NewHandleTable(k.handleTableSize),
		idealCore:    idealCore,
		allowedCores: 1<<uint(len(k.schedulers)) - 1,
	}
	p.objectBase = objectBase{id: k.newObjectID(), name: name}
	p.refCount.release = func() {
		k.logf("kernel: process %d %q has no threads left", p.pid, p.name)
	}
	k.nextProcessID++
	k.processes = append(k.processes, p)
	return p
}

// Threads returns the live threads of the process in creation order.
func (p *Process) Threads() []*Thread {
	out := make([]*Thread, 0, len(p.threads))
	for _, w := range p.threads {
		if t := w.Value(); t != nil {
			out = append(out, t)
		}
	}
	return out
}

func (p *Process) addThread(t *Thread) {
	p.threads = append(p.threads, weak.Make(t))
	p.acquireRef()
}

func (p *Process) removeThread(t *Thread) {
	kept := p.threads[:0]
	found := false
	for _, w := range p.threads {
		v := w.Value()
		if v == nil {
			continue
		}
		if v == t {
			found = true
			continue
		}
		kept = append(kept, w)
	}
	clear(p.threads[len(kept):])
	p.threads = kept
	if found {
		p.releaseRef()
	}
}

// allocTLSSlot reserves and zeroes a TLS slot, mapping a new page when all
// existing ones are full.
func (p *Process) allocTLSSlot() (uint64, error) {
	page, slot := -1, 0
	for i, used := range p.tlsPages {
		if used == 1<<tlsSlotsPerPg-1 {
			continue
		}
		for s := 0; s < tlsSlotsPerPg; s++ {
			if used&(1<<s) == 0 {
				page, slot = i, s
				break
			}
		}
		break
	}
	if page < 0 {
		base := TLSRegionBase + uint64(len(p.tlsPages))*memory.PageSize
		if m, ok := p.mem.(memory.Mapper); ok {
			if err := m.Map(base, memory.PageSize); err != nil {
				return 0, err
			}
		}
		p.tlsPages = append(p.tlsPages, 0)
		page = len(p.tlsPages) - 1
	}

	addr := TLSRegionBase + uint64(page)*memory.PageSize + uint64(slot)*tlsSlotSize
	var zero [tlsSlotSize]byte
	if err := p.mem.WriteBlock(addr, zero[:]); err != nil {
		return 0, err
	}
	p.tlsPages[page] |= 1 << slot
	return addr, nil
}

func (p *Process) freeTLSSlot(addr uint64) {
	off := addr - TLSRegionBase
	page := int(off / memory.PageSize)
	slot := int(off%memory.PageSize) / tlsSlotSize
	if page < 0 || page >= len(p.tlsPages) {
		return
	}
	p.tlsPages[page] &^= 1 << slot
}
