package api

import (
	"fmt"
	"strings"
)

// ErrorKind categorizes a non-trap failure returned to the embedder.
type ErrorKind string

const (
	// KindConfig is an invalid or conflicting engine configuration.
	KindConfig ErrorKind = "config error"
	// KindCompile is malformed module source: bad syntax or a bad binary encoding.
	KindCompile ErrorKind = "compile error"
	// KindValidation is a well-formed module that violates a type or structural rule.
	KindValidation ErrorKind = "validation error"
	// KindUnresolvedImport is an import with no matching definition in the linker.
	KindUnresolvedImport ErrorKind = "unresolved import"
	// KindSignatureMismatch is an import whose definition has a different type.
	KindSignatureMismatch ErrorKind = "signature mismatch"
	// KindDuplicateImport is a second definition for the same namespace and name.
	KindDuplicateImport ErrorKind = "duplicate import"
	// KindInstantiationTrap is a trap while initializing an instance, including its start function.
	KindInstantiationTrap ErrorKind = "instantiation trap"
	// KindTypeMismatch is a host-side call or typed handle using the wrong value type.
	KindTypeMismatch ErrorKind = "type mismatch"
	// KindWrongArity is a host-side call or typed handle using the wrong count of params or results.
	KindWrongArity ErrorKind = "wrong arity"
	// KindNotFound is a missing export.
	KindNotFound ErrorKind = "not found"
	// KindOverflow is an arithmetic overflow of an embedder-facing counter, such as the fuel balance.
	KindOverflow ErrorKind = "overflow"
	// KindClosed is use of a Store or Engine after Close.
	KindClosed ErrorKind = "closed"
)

// Error is returned for every failure that is not a Trap. Use errors.Is with the sentinels below to classify it.
//
// Ex.
//
//	if errors.Is(err, api.ErrUnresolvedImport) {
//		var e *api.Error
//		errors.As(err, &e)
//		fmt.Println("missing", e.Module, e.Name)
//	}
type Error struct {
	Kind ErrorKind
	// Module and Name locate the import or export involved, if any.
	Module, Name string
	Detail       string
	Cause        error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Module != "" || e.Name != "" {
		if e.Module != "" {
			fmt.Fprintf(&b, " %q.%q", e.Module, e.Name)
		} else {
			fmt.Fprintf(&b, " %q", e.Name)
		}
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind. KindTypeMismatch and KindWrongArity also match
// ErrSignatureMismatch, as both describe a signature that differs from the caller's expectation.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return t.Kind == KindSignatureMismatch && (e.Kind == KindTypeMismatch || e.Kind == KindWrongArity)
}

// Errorf returns an *Error of the given kind with a formatted detail.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapError returns an *Error of the given kind caused by err.
func WrapError(kind ErrorKind, err error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Cause: err}
}

// ImportError returns an *Error of the given kind about the import or export moduleName.name.
func ImportError(kind ErrorKind, moduleName, name, format string, args ...interface{}) *Error {
	e := &Error{Kind: kind, Module: moduleName, Name: name}
	if format != "" {
		e.Detail = fmt.Sprintf(format, args...)
	}
	return e
}

var (
	ErrConfig            = &Error{Kind: KindConfig}
	ErrCompile           = &Error{Kind: KindCompile}
	ErrValidation        = &Error{Kind: KindValidation}
	ErrUnresolvedImport  = &Error{Kind: KindUnresolvedImport}
	ErrSignatureMismatch = &Error{Kind: KindSignatureMismatch}
	ErrDuplicateImport   = &Error{Kind: KindDuplicateImport}
	ErrInstantiationTrap = &Error{Kind: KindInstantiationTrap}
	ErrTypeMismatch      = &Error{Kind: KindTypeMismatch}
	ErrWrongArity        = &Error{Kind: KindWrongArity}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrOverflow          = &Error{Kind: KindOverflow}
	ErrClosed            = &Error{Kind: KindClosed}
)

// TrapCode identifies why guest execution was aborted.
type TrapCode uint8

const (
	TrapCodeOutOfFuel TrapCode = iota + 1
	TrapCodeHostError
	TrapCodeUnreachable
	TrapCodeIntegerDivideByZero
	TrapCodeIntegerOverflow
	TrapCodeInvalidConversionToInteger
	TrapCodeOutOfBoundsMemoryAccess
	TrapCodeInvalidTableAccess
	TrapCodeIndirectCallTypeMismatch
	TrapCodeCallStackExhausted
	TrapCodeInterrupted
)

var trapCodeNames = [...]string{
	TrapCodeOutOfFuel:                  "out of fuel",
	TrapCodeHostError:                  "host function error",
	TrapCodeUnreachable:                "unreachable",
	TrapCodeIntegerDivideByZero:        "integer divide by zero",
	TrapCodeIntegerOverflow:            "integer overflow",
	TrapCodeInvalidConversionToInteger: "invalid conversion to integer",
	TrapCodeOutOfBoundsMemoryAccess:    "out of bounds memory access",
	TrapCodeInvalidTableAccess:         "invalid table access",
	TrapCodeIndirectCallTypeMismatch:   "indirect call type mismatch",
	TrapCodeCallStackExhausted:         "call stack exhausted",
	TrapCodeInterrupted:                "interrupted",
}

// String returns the description of the trap code.
func (c TrapCode) String() string {
	if int(c) < len(trapCodeNames) && trapCodeNames[c] != "" {
		return trapCodeNames[c]
	}
	return fmt.Sprintf("trap(%d)", uint8(c))
}

// Trap is a runtime fault that unwound the guest call chain. Memory and global mutations performed before the trap
// persist.
type Trap struct {
	Code TrapCode
	// Cause is the error returned by a host function when Code is TrapCodeHostError.
	Cause error
	// Backtrace lists the functions active when the trap occurred, innermost first.
	Backtrace []string
}

// Error implements the error interface
func (t *Trap) Error() string {
	var b strings.Builder
	b.WriteString("wasm trap: ")
	b.WriteString(t.Code.String())
	if t.Cause != nil {
		b.WriteString(": ")
		b.WriteString(t.Cause.Error())
	}
	if len(t.Backtrace) > 0 {
		b.WriteString("\nwasm stack trace:")
		for _, fn := range t.Backtrace {
			b.WriteString("\n\t")
			b.WriteString(fn)
		}
	}
	return b.String()
}

// Unwrap returns the host error, if any.
func (t *Trap) Unwrap() error {
	return t.Cause
}

// Is reports whether target is a *Trap with the same code.
func (t *Trap) Is(target error) bool {
	tt, ok := target.(*Trap)
	return ok && tt.Code == t.Code
}

var (
	ErrOutOfFuel                  = &Trap{Code: TrapCodeOutOfFuel}
	ErrHostError                  = &Trap{Code: TrapCodeHostError}
	ErrUnreachable                = &Trap{Code: TrapCodeUnreachable}
	ErrIntegerDivideByZero        = &Trap{Code: TrapCodeIntegerDivideByZero}
	ErrIntegerOverflow            = &Trap{Code: TrapCodeIntegerOverflow}
	ErrInvalidConversionToInteger = &Trap{Code: TrapCodeInvalidConversionToInteger}
	ErrOutOfBoundsMemoryAccess    = &Trap{Code: TrapCodeOutOfBoundsMemoryAccess}
	ErrInvalidTableAccess         = &Trap{Code: TrapCodeInvalidTableAccess}
	ErrIndirectCallTypeMismatch   = &Trap{Code: TrapCodeIndirectCallTypeMismatch}
	ErrCallStackExhausted         = &Trap{Code: TrapCodeCallStackExhausted}
	ErrInterrupted                = &Trap{Code: TrapCodeInterrupted}
)
