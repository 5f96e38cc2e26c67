// Package scenario loads guest workloads written as Lua scripts.
//
// A script declares kernel objects, data words, programs and the threads
// that run them:
//
//	cores(2)
//	mutex("m")
//	event("ready", "sticky")
//	program("worker", { lock("m"), work(20), unlock("m"), signal("ready") })
//	thread("w0", "worker", 40, 0)
//
// Parse only evaluates the script; Build turns the declarations into kernel
// objects and started threads.
package scenario

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hzn/guest"
	"hzn/kernel"
)

//go:embed default.lua
var defaultScript string

// DefaultName is the name of the embedded scenario.
const DefaultName = "default"

// ObjectKind is the kind of a declared kernel object.
type ObjectKind uint8

const (
	KindEvent ObjectKind = iota + 1
	KindSemaphore
	KindTimer
	KindService
)

func (k ObjectKind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindSemaphore:
		return "semaphore"
	case KindTimer:
		return "timer"
	case KindService:
		return "service"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Object is a handle-backed kernel object the guest refers to by name.
type Object struct {
	Kind     ObjectKind
	Name     string
	Reset    kernel.ResetType
	Signaled bool
	Initial  int32
	Max      int32
	Delay    time.Duration
	Period   time.Duration
	Service  string
}

// Word is a named 32-bit guest data word (user mutex, condvar key or
// arbiter address).
type Word struct {
	Name    string
	Initial uint32
}

// ThreadDecl starts Program on a new thread.
type ThreadDecl struct {
	Name     string
	Program  string
	Priority uint32
	Core     int32
}

// Spec is the evaluated content of a script.
type Spec struct {
	Name     string
	Cores    int
	Slice    int
	Tick     time.Duration
	Words    []Word
	Objects  []Object
	Programs []*guest.Program
	Threads  []ThreadDecl
}

// Default parses the embedded scenario.
func Default() (*Spec, error) {
	return Parse(DefaultName, defaultScript)
}

// DefaultSource returns the embedded script.
func DefaultSource() string { return defaultScript }

// LoadFile parses the script at path, or the embedded scenario when path
// is empty.
func LoadFile(path string) (*Spec, error) {
	if path == "" {
		return Default()
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return Parse(name, string(src))
}

func (s *Spec) program(name string) *guest.Program {
	for _, p := range s.Programs {
		if p.Name == name {
			return p
		}
	}
	return nil
}

func (s *Spec) declared(name string) bool {
	for _, w := range s.Words {
		if w.Name == name {
			return true
		}
	}
	for _, o := range s.Objects {
		if o.Name == name {
			return true
		}
	}
	for _, t := range s.Threads {
		if t.Name == name {
			return true
		}
	}
	return false
}
