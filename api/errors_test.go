package api

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestError_Is(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		target   error
		expected bool
	}{
		{
			name:     "same kind",
			err:      ImportError(KindUnresolvedImport, "host", "missing_func", ""),
			target:   ErrUnresolvedImport,
			expected: true,
		},
		{
			name:   "different kind",
			err:    Errorf(KindCompile, "unexpected EOF"),
			target: ErrValidation,
		},
		{
			name:     "type mismatch is a signature mismatch",
			err:      Errorf(KindTypeMismatch, "param[0] is i64, not i32"),
			target:   ErrSignatureMismatch,
			expected: true,
		},
		{
			name:     "wrong arity is a signature mismatch",
			err:      Errorf(KindWrongArity, "expected 1 params, but passed 2"),
			target:   ErrSignatureMismatch,
			expected: true,
		},
		{
			name:   "signature mismatch is not a type mismatch",
			err:    Errorf(KindSignatureMismatch, "(i64) vs (i32)"),
			target: ErrTypeMismatch,
		},
		{
			name:     "wrapped",
			err:      fmt.Errorf("linking: %w", ImportError(KindDuplicateImport, "host", "f", "")),
			target:   ErrDuplicateImport,
			expected: true,
		},
		{
			name:     "cause is visible",
			err:      WrapError(KindInstantiationTrap, &Trap{Code: TrapCodeOutOfFuel}, "start function"),
			target:   ErrOutOfFuel,
			expected: true,
		},
	}

	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, errors.Is(tc.err, tc.target))
		})
	}
}

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "import",
			err:      ImportError(KindUnresolvedImport, "host", "missing_func", ""),
			expected: `unresolved import "host"."missing_func"`,
		},
		{
			name:     "export",
			err:      ImportError(KindNotFound, "", "hello", "function"),
			expected: `not found "hello": function`,
		},
		{
			name:     "cause",
			err:      WrapError(KindCompile, errors.New("invalid magic number"), "binary"),
			expected: "compile error: binary: invalid magic number",
		},
	}

	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, tc.err.Error())
		})
	}
}

func TestTrap(t *testing.T) {
	cause := errors.New("boom")
	trap := &Trap{Code: TrapCodeHostError, Cause: cause, Backtrace: []string{"host.host_func", "$1"}}

	require.True(t, errors.Is(trap, ErrHostError))
	require.False(t, errors.Is(trap, ErrOutOfFuel))
	require.True(t, errors.Is(trap, cause))
	require.Equal(t, "wasm trap: host function error: boom\nwasm stack trace:\n\thost.host_func\n\t$1", trap.Error())

	require.Equal(t, "out of fuel", TrapCodeOutOfFuel.String())
	require.Equal(t, "trap(200)", TrapCode(200).String())
}
