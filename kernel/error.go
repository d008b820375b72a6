package kernel

// Kind classifies an Error so that callers can branch on the failure without
// string-comparing Message. Kind is zero (KindUnspecified) for errors that
// are only ever surfaced to a human (panics, boot-time failures).
type Kind uint8

// Error kinds shared by the physical and user page mappers and the VMA
// allocator. Not every Kind is raised by every package.
const (
	KindUnspecified Kind = iota
	KindOutOfPages
	KindPageAlreadyExists
	KindOutOfMemory
	KindSegmentAlreadyExists
	KindSegmentAlreadyUnmapped
	KindSegmentLocked
	KindInvalidArgument
)

// Error describes a kernel kerror. All kernel errors must be defined as global
// variables that are pointers to the Error structure. This requirement stems
// from the fact that the Go allocator is not available to us so we cannot use
// errors.New.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string

	// Kind classifies the error for callers that need to branch on it.
	Kind Kind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Is reports whether this error carries the given Kind. Convenience for the
// common "if err.Is(kernel.KindOutOfMemory)" check used by the rewindable
// map tasks.
func (e *Error) Is(kind Kind) bool {
	return e != nil && e.Kind == kind
}
