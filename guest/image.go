package guest

import (
	"fmt"

	"hzn/kernel"
	"hzn/memory"
)

// Guest address layout of a scripted process.
const (
	CodeBase   = 0x0800_0000
	StackBase  = 0x0900_0000
	StackSize  = 0x1_0000
	DataBase   = 0x2000_0000
	codeStride = 0x1000
)

// Image is the guest-visible layout of one process: named handles, named
// data words and program entry points.
type Image struct {
	Process *kernel.Process

	handles  map[string]kernel.Handle
	addrs    map[string]uint64
	entries  map[string]uint64
	programs map[uint64]*Program

	nextData  uint64
	mapped    uint64
	nextStack uint64
}

// NewImage returns an empty layout for p.
func NewImage(p *kernel.Process) *Image {
	return &Image{
		Process:   p,
		handles:   map[string]kernel.Handle{},
		addrs:     map[string]uint64{},
		entries:   map[string]uint64{},
		programs:  map[uint64]*Program{},
		nextData:  DataBase,
		mapped:    DataBase,
		nextStack: StackBase + StackSize,
	}
}

// AddProgram assigns prog an entry point.
func (img *Image) AddProgram(prog *Program) (uint64, error) {
	if _, dup := img.entries[prog.Name]; dup {
		return 0, fmt.Errorf("guest: duplicate program %q", prog.Name)
	}
	entry := CodeBase + uint64(len(img.entries))*codeStride
	img.entries[prog.Name] = entry
	img.programs[entry] = prog
	return entry, nil
}

// Entry returns the entry point of the named program.
func (img *Image) Entry(name string) (uint64, bool) {
	e, ok := img.entries[name]
	return e, ok
}

// ProgramAt returns the program starting at entry.
func (img *Image) ProgramAt(entry uint64) (*Program, bool) {
	p, ok := img.programs[entry]
	return p, ok
}

// Bind names a guest handle.
func (img *Image) Bind(name string, h kernel.Handle) { img.handles[name] = h }

// Handle returns the guest handle bound to name.
func (img *Image) Handle(name string) (kernel.Handle, bool) {
	h, ok := img.handles[name]
	return h, ok
}

// Alloc reserves a zeroed 32-bit data word, mapping a new page when the
// current one is full.
func (img *Image) Alloc(name string, initial uint32) (uint64, error) {
	if _, dup := img.addrs[name]; dup {
		return 0, fmt.Errorf("guest: duplicate word %q", name)
	}
	addr := img.nextData
	if addr+4 > img.mapped {
		m, ok := img.Process.Memory().(memory.Mapper)
		if !ok {
			return 0, fmt.Errorf("guest: address space of %q cannot map data", img.Process.Name())
		}
		if err := m.Map(img.mapped, memory.PageSize); err != nil {
			return 0, err
		}
		img.mapped += memory.PageSize
	}
	if err := img.Process.Memory().Write32(addr, initial); err != nil {
		return 0, err
	}
	img.nextData += 4
	img.addrs[name] = addr
	return addr, nil
}

// Addr returns the address of a named data word.
func (img *Image) Addr(name string) (uint64, bool) {
	a, ok := img.addrs[name]
	return a, ok
}

// NameOf returns the name of the data word at addr, or "".
func (img *Image) NameOf(addr uint64) string {
	for n, a := range img.addrs {
		if a == addr {
			return n
		}
	}
	return ""
}

// StackTop hands out a fresh, 16-byte aligned stack top.
func (img *Image) StackTop() uint64 {
	top := img.nextStack
	img.nextStack += StackSize
	return top
}

// Check reports the first name prog uses that the image cannot resolve.
// Handles bound later by spawn ops in the same image are accepted.
func (img *Image) Check(prog *Program, spawned map[string]bool) error {
	names := prog.Names()
	for _, n := range names["program"] {
		if _, ok := img.entries[n]; !ok {
			return fmt.Errorf("guest: %s: unknown program %q", prog.Name, n)
		}
	}
	for _, n := range names["object"] {
		if _, ok := img.handles[n]; !ok && !spawned[n] {
			return fmt.Errorf("guest: %s: unknown object %q", prog.Name, n)
		}
	}
	for _, n := range names["addr"] {
		if _, ok := img.addrs[n]; !ok {
			return fmt.Errorf("guest: %s: unknown word %q", prog.Name, n)
		}
	}
	return nil
}
