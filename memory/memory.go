// Package memory provides the guest address space accessor consumed by the
// kernel and a sparse paged implementation of it.
package memory

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// PageSize is the guest page granularity.
const PageSize = 0x1000

const pageMask = PageSize - 1

// Fault is the guest memory-fault signal raised when an address does not
// translate to mapped memory.
type Fault struct {
	Addr  uint64
	Write bool
}

func (f *Fault) Error() string {
	op := "read"
	if f.Write {
		op = "write"
	}
	return fmt.Sprintf("memory: unmapped %s at 0x%x", op, f.Addr)
}

// Accessor reads and writes guest virtual memory.
//
// Implementations return *Fault for addresses that fail translation.
type Accessor interface {
	Read32(addr uint64) (uint32, error)
	Write32(addr uint64, v uint32) error
	ReadBlock(addr uint64, dst []byte) error
	WriteBlock(addr uint64, src []byte) error
}

// Mapper is implemented by accessors that let the kernel back new regions
// (thread-local storage pages).
type Mapper interface {
	Map(addr, size uint64) error
}

// Sparse is a page-granular guest address space. Only mapped pages are
// backed by host memory.
type Sparse struct {
	mu    sync.Mutex
	pages map[uint64][]byte
}

// NewSparse returns an empty address space.
func NewSparse() *Sparse {
	return &Sparse{pages: make(map[uint64][]byte)}
}

// Map backs [addr, addr+size) with zeroed pages. Both bounds must be page aligned.
func (m *Sparse) Map(addr, size uint64) error {
	if addr&pageMask != 0 || size&pageMask != 0 {
		return fmt.Errorf("memory: map 0x%x+0x%x not page aligned", addr, size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for off := uint64(0); off < size; off += PageSize {
		if _, ok := m.pages[addr+off]; !ok {
			m.pages[addr+off] = make([]byte, PageSize)
		}
	}
	return nil
}

// Unmap releases the pages covering [addr, addr+size).
func (m *Sparse) Unmap(addr, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for off := uint64(0); off < size; off += PageSize {
		delete(m.pages, (addr+off)&^pageMask)
	}
}

// IsMapped reports whether addr translates.
func (m *Sparse) IsMapped(addr uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pages[addr&^pageMask]
	return ok
}

func (m *Sparse) Read32(addr uint64) (uint32, error) {
	var b [4]byte
	if err := m.ReadBlock(addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (m *Sparse) Write32(addr uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.WriteBlock(addr, b[:])
}

func (m *Sparse) ReadBlock(addr uint64, dst []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(addr, uint64(len(dst)), false); err != nil {
		return err
	}
	for n := 0; n < len(dst); {
		cur := addr + uint64(n)
		page := m.pages[cur&^pageMask]
		n += copy(dst[n:], page[cur&pageMask:])
	}
	return nil
}

func (m *Sparse) WriteBlock(addr uint64, src []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(addr, uint64(len(src)), true); err != nil {
		return err
	}
	for n := 0; n < len(src); {
		cur := addr + uint64(n)
		page := m.pages[cur&^pageMask]
		n += copy(page[cur&pageMask:], src[n:])
	}
	return nil
}

// check validates the whole range before any byte is touched so a faulting
// access has no partial effect.
func (m *Sparse) check(addr, size uint64, write bool) error {
	if size == 0 {
		return nil
	}
	end := addr + size - 1
	if end < addr {
		return &Fault{Addr: addr, Write: write}
	}
	for p := addr &^ pageMask; ; p += PageSize {
		if _, ok := m.pages[p]; !ok {
			fault := p
			if fault < addr {
				fault = addr
			}
			return &Fault{Addr: fault, Write: write}
		}
		if p >= end&^pageMask {
			return nil
		}
	}
}
