package text

import (
	"errors"
	"fmt"
)

// FormatError allows control over the format of errors parsing the WebAssembly Text Format.
type FormatError struct {
	// Line is the source line number determined by unescaped '\n' characters of the error or EOF
	Line uint32
	// Col is the column number of the error or EOF
	Col uint32
	// Context is where symbolically the error occurred. Ex "module.import[1]"
	Context string
	cause   error
}

func (e *FormatError) Error() string {
	if e.Context == "" { // error starting the file
		return fmt.Sprintf("%d:%d: %v", e.Line, e.Col, e.cause)
	}
	return fmt.Sprintf("%d:%d: %v in %s", e.Line, e.Col, e.cause, e.Context)
}

func (e *FormatError) Unwrap() error {
	return e.cause
}

// errorAt returns a FormatError at the position of n. The context is attached by the field being parsed.
func errorAt(n *sexpr, format string, args ...interface{}) error {
	return &FormatError{Line: n.line, Col: n.col, cause: fmt.Errorf(format, args...)}
}

// withContext sets the context of a FormatError that does not have one yet.
func withContext(err error, context string) error {
	var fe *FormatError
	if errors.As(err, &fe) && fe.Context == "" {
		fe.Context = context
	}
	return err
}

func unexpectedToken(n *sexpr) error {
	switch n.tok {
	case tokenLParen:
		if kw := n.keyword(); kw != "" {
			return errorAt(n, "unexpected '(%s'", kw)
		}
		return errorAt(n, "unexpected '('")
	default:
		return errorAt(n, "unexpected %s: %s", n.tok, n.bytes)
	}
}

func unexpectedFieldName(n *sexpr) error {
	return errorAt(n, "unexpected field: %s", n.keyword())
}

// importAfterModuleDefined is the failure for the condition "all imports must occur before any regular definition",
// which applies regardless of abbreviation.
func importAfterModuleDefined(n *sexpr, kind string) error {
	return errorAt(n, "import after module-defined %s", kind)
}
