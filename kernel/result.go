package kernel

import "fmt"

// Result is a guest-visible kernel result code.
//
// Layout matches the console ABI: bits 0-8 hold the module, bits 9-21 the
// description. Zero is success.
type Result uint32

const moduleKernel = 1

const (
	ResultSuccess             Result = 0
	ResultInvalidSize         Result = moduleKernel | 101<<9
	ResultInvalidAddress      Result = moduleKernel | 102<<9
	ResultHandleTableFull     Result = moduleKernel | 105<<9
	ResultInvalidMemoryState  Result = moduleKernel | 106<<9
	ResultInvalidPriority     Result = moduleKernel | 112<<9
	ResultInvalidProcessorID  Result = moduleKernel | 113<<9
	ResultInvalidHandle       Result = moduleKernel | 114<<9
	ResultInvalidPointer      Result = moduleKernel | 115<<9
	ResultInvalidCombination  Result = moduleKernel | 116<<9
	ResultTimeout             Result = moduleKernel | 117<<9
	ResultCancelled           Result = moduleKernel | 118<<9
	ResultOutOfRange          Result = moduleKernel | 119<<9
	ResultInvalidEnumValue    Result = moduleKernel | 120<<9
	ResultNotFound            Result = moduleKernel | 121<<9
	ResultInvalidState        Result = moduleKernel | 125<<9
	ResultResourceLimitExceed Result = moduleKernel | 132<<9
)

// Module returns the originating module number.
func (r Result) Module() uint32 { return uint32(r) & 0x1FF }

// Description returns the module-specific error number.
func (r Result) Description() uint32 { return (uint32(r) >> 9) & 0x1FFF }

// IsSuccess reports whether r is ResultSuccess.
func (r Result) IsSuccess() bool { return r == ResultSuccess }

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultInvalidSize:
		return "invalid size"
	case ResultInvalidAddress:
		return "invalid address"
	case ResultHandleTableFull:
		return "handle table full"
	case ResultInvalidMemoryState:
		return "invalid memory state"
	case ResultInvalidPriority:
		return "invalid priority"
	case ResultInvalidProcessorID:
		return "invalid processor id"
	case ResultInvalidHandle:
		return "invalid handle"
	case ResultInvalidPointer:
		return "invalid pointer"
	case ResultInvalidCombination:
		return "invalid combination"
	case ResultTimeout:
		return "timeout"
	case ResultCancelled:
		return "cancelled"
	case ResultOutOfRange:
		return "out of range"
	case ResultInvalidEnumValue:
		return "invalid enum value"
	case ResultNotFound:
		return "not found"
	case ResultInvalidState:
		return "invalid state"
	case ResultResourceLimitExceed:
		return "resource limit exceeded"
	default:
		return fmt.Sprintf("result(%d-%04d)", 2000+r.Module(), r.Description())
	}
}

func (r Result) Error() string { return "kernel: " + r.String() }

// CreateError is the closed set of thread creation failures.
type CreateError uint8

const (
	ErrInvalidPriority CreateError = iota + 1
	ErrInvalidProcessorID
	ErrOutOfHandles
	ErrStackMisaligned
)

func (e CreateError) String() string {
	switch e {
	case ErrInvalidPriority:
		return "invalid priority"
	case ErrInvalidProcessorID:
		return "invalid processor id"
	case ErrOutOfHandles:
		return "out of handles"
	case ErrStackMisaligned:
		return "stack misaligned"
	default:
		return "unknown"
	}
}

func (e CreateError) Error() string { return "kernel: create thread: " + e.String() }

// Result maps the failure onto the guest-visible result code.
func (e CreateError) Result() Result {
	switch e {
	case ErrInvalidPriority:
		return ResultInvalidPriority
	case ErrInvalidProcessorID:
		return ResultInvalidProcessorID
	case ErrOutOfHandles:
		return ResultHandleTableFull
	case ErrStackMisaligned:
		return ResultInvalidAddress
	default:
		return ResultInvalidState
	}
}
