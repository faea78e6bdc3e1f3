package errors

import (
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseAlloc    Phase = "alloc"    // arena allocation and release
	PhaseEncode   Phase = "encode"   // host bytes into the arena
	PhaseDecode   Phase = "decode"   // response batch decoding
	PhaseDispatch Phase = "dispatch" // routing records to callbacks
	PhaseEngine   Phase = "engine"   // foreign entry point calls
	PhaseSession  Phase = "session"  // session lifecycle
	PhaseLoad     Phase = "load"     // guest module loading
	PhaseConfig   Phase = "config"   // option and config validation
)

// Kind categorizes the error
type Kind string

const (
	KindAllocation     Kind = "allocation"
	KindOutOfBounds    Kind = "out_of_bounds"
	KindInvalidData    Kind = "invalid_data"
	KindLimit          Kind = "limit"
	KindNotFound       Kind = "not_found"
	KindClosed         Kind = "closed"
	KindCallback       Kind = "callback"
	KindReentrant      Kind = "reentrant"
	KindRegistration   Kind = "registration"
	KindMissingExport  Kind = "missing_export"
	KindCall           Kind = "call"
	KindNotInitialized Kind = "not_initialized"
	KindInvalidInput   Kind = "invalid_input"
	KindDoubleFree     Kind = "double_free"
	KindInstantiation  Kind = "instantiation"
)

// Error is the structured error type used throughout the module
type Error struct {
	Value     any
	Cause     error
	Phase     Phase
	Kind      Kind
	Op        string
	Detail    string
	ClientID  uint32
	HasClient bool
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Op != "" {
		b.WriteString(" in ")
		b.WriteString(e.Op)
	}

	if e.HasClient {
		b.WriteString(" for client ")
		b.WriteString(strconv.FormatUint(uint64(e.ClientID), 10))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Op sets the operation or foreign entry point name
func (b *Builder) Op(op string) *Builder {
	b.err.Op = op
	return b
}

// Client sets the session the error concerns
func (b *Builder) Client(id uint32) *Builder {
	b.err.ClientID = id
	b.err.HasClient = true
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// AllocationFailed creates an allocation failure error
func AllocationFailed(size uint64, cause error) *Error {
	return &Error{
		Phase:  PhaseAlloc,
		Kind:   KindAllocation,
		Op:     "alloc",
		Detail: fmt.Sprintf("failed to allocate %d bytes", size),
		Value:  size,
		Cause:  cause,
	}
}

// DoubleFree creates an error for a pointer released twice or never allocated
func DoubleFree(ptr uint64) *Error {
	return &Error{
		Phase:  PhaseAlloc,
		Kind:   KindDoubleFree,
		Op:     "free",
		Detail: fmt.Sprintf("pointer 0x%x is not allocated", ptr),
		Value:  ptr,
	}
}

// OutOfBounds creates an out of bounds error for an arena access
func OutOfBounds(phase Phase, offset uint64, length uint64, size uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("range [0x%x, +%d) outside arena of %d bytes", offset, length, size),
		Value:  offset,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Detail: detail,
	}
}

// Limit creates an error for a value above a configured bound
func Limit(phase Phase, what string, value, limit uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindLimit,
		Detail: fmt.Sprintf("%s %d exceeds limit %d", what, value, limit),
		Value:  value,
	}
}

// UnknownSession creates an error for a record addressed to no registered session
func UnknownSession(id uint32) *Error {
	return &Error{
		Phase:     PhaseDispatch,
		Kind:      KindNotFound,
		ClientID:  id,
		HasClient: true,
		Detail:    "no session registered",
	}
}

// Callback wraps an error returned or raised by a session callback
func Callback(id uint32, cause error) *Error {
	return &Error{
		Phase:     PhaseDispatch,
		Kind:      KindCallback,
		ClientID:  id,
		HasClient: true,
		Cause:     cause,
	}
}

// Closed creates an error for use of a closed session or engine
func Closed(what string) *Error {
	return &Error{
		Phase:  PhaseSession,
		Kind:   KindClosed,
		Detail: fmt.Sprintf("%s is closed", what),
	}
}

// Reentrant creates an error for a call issued while a batch is being dispatched
func Reentrant(op string) *Error {
	return &Error{
		Phase:  PhaseSession,
		Kind:   KindReentrant,
		Op:     op,
		Detail: "engine call issued from inside a dispatch callback",
	}
}

// Registration creates a session registration error
func Registration(id uint32, detail string) *Error {
	return &Error{
		Phase:     PhaseSession,
		Kind:      KindRegistration,
		ClientID:  id,
		HasClient: true,
		Detail:    detail,
	}
}

// Call wraps a failure of a foreign entry point
func Call(op string, cause error) *Error {
	return &Error{
		Phase: PhaseEngine,
		Kind:  KindCall,
		Op:    op,
		Cause: cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// MissingExportsError is returned when a guest module lacks required exports
type MissingExportsError struct {
	Module  string
	Exports []string
}

// NewMissingExportsError creates an error listing every absent export
func NewMissingExportsError(module string, exports []string) *MissingExportsError {
	return &MissingExportsError{
		Module:  module,
		Exports: append([]string(nil), exports...),
	}
}

func (e *MissingExportsError) Error() string {
	if len(e.Exports) == 0 {
		return "[load] missing_export: no exports specified"
	}

	var b strings.Builder
	name := e.Module
	if name == "" {
		name = "guest"
	}
	b.WriteString(fmt.Sprintf("%s is missing %d export(s):", name, len(e.Exports)))
	for _, exp := range e.Exports {
		b.WriteString("\n  - ")
		b.WriteString(exp)
	}
	return b.String()
}

// Is reports whether target matches this error type
func (e *MissingExportsError) Is(target error) bool {
	if _, ok := target.(*MissingExportsError); ok {
		return true
	}
	if t, ok := target.(*Error); ok {
		return t.Phase == PhaseLoad && t.Kind == KindMissingExport
	}
	return false
}

// Module loading convenience constructors

// NotInitialized creates a not-initialized error
func NotInitialized(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", component),
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInstantiation,
		Detail: "instantiate module",
		Cause:  cause,
	}
}

// Load creates a module loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}

// Config creates a configuration validation error
func Config(cause error) *Error {
	return &Error{
		Phase:  PhaseConfig,
		Kind:   KindInvalidInput,
		Detail: "invalid configuration",
		Cause:  cause,
	}
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}
