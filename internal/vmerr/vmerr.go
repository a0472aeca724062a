// Package vmerr defines the closed error-kind taxonomy (spec.md §7).
// Every guest-reachable path returns one of these; the core never
// panics on guest input. Panics are reserved for broken core
// invariants and are expected to abort the VM (see spec.md §7).
package vmerr

import "errors"

// Kind is the closed set of error categories the core can surface.
type Kind int

const (
	Config Kind = iota
	Io
	MemoryNotPresent
	MemoryPermissionDenied
	MemoryMisaligned
	MemoryOutOfMemory
	ExecutionIllegalInstr
	ExecutionUndefinedBehavior
	ExecutionTrap
	TranslationDecodeError
	TranslationVerifierError
	JitCompileBudget
	JitCodegenFailed
	JitAllocFailed
	PlatformUnsupported
	PlatformHostOs
	Internal
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "Config"
	case Io:
		return "Io"
	case MemoryNotPresent:
		return "Memory.NotPresent"
	case MemoryPermissionDenied:
		return "Memory.PermissionDenied"
	case MemoryMisaligned:
		return "Memory.Misaligned"
	case MemoryOutOfMemory:
		return "Memory.OutOfMemory"
	case ExecutionIllegalInstr:
		return "Execution.IllegalInstr"
	case ExecutionUndefinedBehavior:
		return "Execution.UndefinedBehavior"
	case ExecutionTrap:
		return "Execution.Trap"
	case TranslationDecodeError:
		return "Translation.DecodeError"
	case TranslationVerifierError:
		return "Translation.VerifierError"
	case JitCompileBudget:
		return "Jit.CompileBudget"
	case JitCodegenFailed:
		return "Jit.CodegenFailed"
	case JitAllocFailed:
		return "Jit.AllocFailed"
	case PlatformUnsupported:
		return "Platform.Unsupported"
	case PlatformHostOs:
		return "Platform.HostOs"
	default:
		return "Internal"
	}
}

// Error wraps an underlying cause with its Kind, following the
// teacher's own fmt.Errorf("...: %w", ...)-wrapping idiom so callers
// can both errors.Is against a Kind and unwrap to the original cause.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error for the given Kind and underlying cause.
func New(kind Kind, cause error) *Error { return &Error{Kind: kind, Cause: cause} }

// Is reports whether err is (or wraps) an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Recoverable reports whether the error kind is always recoverable
// (falls back to tier-0 / continues in memory-only mode) per spec.md §7.
func (k Kind) Recoverable() bool {
	switch k {
	case JitCompileBudget, JitCodegenFailed, JitAllocFailed, Io:
		return true
	default:
		return false
	}
}
