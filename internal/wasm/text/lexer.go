package text

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// tokenParser parses the current token and returns a parser for the next.
//
// * tokenType is the token type
// * tokenBytes are the UTF-8 bytes representing the token. Do not modify this.
// * line is the source line number determined by unescaped '\n' characters.
// * col is the column number, in bytes.
//
// Returning an error will short-circuit any future invocations.
type tokenParser func(tok tokenType, tokenBytes []byte, line, col uint32) (tokenParser, error)

var (
	constantLParen = []byte{'('}
	constantRParen = []byte{')'}
)

// lex invokes the parser function for each token in source. This returns when the source is exhausted or an error
// occurs, with the position of the error or EOF.
func lex(parser tokenParser, source []byte) (line, col uint32, err error) {
	end := len(source)
	line, col = 1, 1

	parenDepth := 0
	// Block comments, ex. (; comment ;), can span multiple lines and also nest, ex. (; one (; two ;) ;).
	blockCommentDepth := 0

	for i := 0; i < end; i, col = i+1, col+1 {
		b1 := source[i]

		// A bare '\r' is not a newline.
		if b1 == '\n' {
			line++
			col = 0 // for loop will + 1
			continue
		}
		if b1 == ' ' || b1 == '\t' || b1 == '\r' {
			continue
		}

		switch b1 {
		case '(':
			if i+1 < end && source[i+1] == ';' {
				i++
				col++
				blockCommentDepth++
				continue
			} else if blockCommentDepth == 0 {
				if parser, err = parser(tokenLParen, constantLParen, line, col); err != nil {
					return line, col, err
				}
				parenDepth++
				continue
			}
		case ')':
			if blockCommentDepth == 0 {
				if parenDepth == 0 {
					return line, col, errors.New("found ')' before '('")
				}
				if parser, err = parser(tokenRParen, constantRParen, line, col); err != nil {
					return line, col, err
				}
				parenDepth--
				continue
			}
		case ';':
			if i+1 < end {
				b2 := source[i+1]
				if blockCommentDepth > 0 && b2 == ')' {
					i++
					col++
					blockCommentDepth--
					continue
				}
				if blockCommentDepth == 0 && b2 == ';' { // line comment, which ends at '\n'
					for i+1 < end && source[i+1] != '\n' {
						i++
					}
					continue
				}
			}
		}

		if blockCommentDepth > 0 {
			continue
		}

		// All tokens begin and end with a 7-bit ASCII character, which simplifies finding the end of a token.
		tok := firstTokenByte[b1]
		start, startCol := i, col
		switch tok {
		case tokenString:
			j := i + 1
		String:
			for ; j < end; j++ {
				switch source[j] {
				case '"':
					break String
				case '\\':
					j++ // skip the escaped character
				case '\n':
					return line, startCol, errors.New("expected end quote")
				}
			}
			if j >= end {
				return line, startCol, errors.New("expected end quote")
			}
			col += uint32(j - i)
			i = j
		case tokenInvalid:
			if b1 > 0x7f {
				r, _ := utf8.DecodeRune(source[i:])
				return line, col, fmt.Errorf("expected an ASCII character, not %s", string(r))
			}
			return line, col, fmt.Errorf("unexpected character %s", string(b1))
		default: // a run of idChar
			j := i + 1
			for j < end && idChar[source[j]] {
				j++
			}
			col += uint32(j - i - 1)
			i = j - 1
			tok = classify(tok, source[start:j])
		}

		if parser, err = parser(tok, source[start:i+1], line, startCol); err != nil {
			return line, startCol, err
		}
	}

	if blockCommentDepth > 0 {
		return line, col, errors.New("expected block comment end ';)', but reached end of input")
	}
	if parenDepth > 0 {
		return line, col, errors.New("expected ')', but reached end of input")
	}
	return line, col, nil
}

// sexpr is a token or a parenthesized list of them.
type sexpr struct {
	tok tokenType
	// bytes are the token bytes, or nil for a list.
	bytes     []byte
	line, col uint32
	// list are the elements of a list, when tok is tokenLParen.
	list []*sexpr
}

// keyword returns the keyword at the start of a list, or an empty string.
func (n *sexpr) keyword() string {
	if n.tok == tokenLParen && len(n.list) > 0 && n.list[0].tok == tokenKeyword {
		return string(n.list[0].bytes)
	}
	return ""
}

// isKeyword returns true if n is the keyword token name.
func (n *sexpr) isKeyword(name string) bool {
	return n.tok == tokenKeyword && string(n.bytes) == name
}

// treeBuilder is a tokenParser that nests tokens into lists.
type treeBuilder struct {
	open []*sexpr
	top  []*sexpr
}

func (b *treeBuilder) parse(tok tokenType, tokenBytes []byte, line, col uint32) (tokenParser, error) {
	switch tok {
	case tokenLParen:
		b.open = append(b.open, &sexpr{tok: tokenLParen, line: line, col: col})
	case tokenRParen: // lex ensures this is balanced
		n := b.open[len(b.open)-1]
		b.open = b.open[:len(b.open)-1]
		b.add(n)
	default:
		b.add(&sexpr{tok: tok, bytes: tokenBytes, line: line, col: col})
	}
	return b.parse, nil
}

func (b *treeBuilder) add(n *sexpr) {
	if len(b.open) == 0 {
		b.top = append(b.top, n)
		return
	}
	parent := b.open[len(b.open)-1]
	parent.list = append(parent.list, n)
}

// parseTree returns the top-level expressions of source.
func parseTree(source []byte) ([]*sexpr, error) {
	b := &treeBuilder{}
	if line, col, err := lex(b.parse, source); err != nil {
		return nil, &FormatError{Line: line, Col: col, cause: err}
	}
	return b.top, nil
}
