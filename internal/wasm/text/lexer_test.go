package text

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type token struct {
	tok       tokenType
	line, col uint32
	token     string
}

func lexTokens(t *testing.T, input string) []*token {
	var tokens []*token
	var parser tokenParser
	parser = func(tok tokenType, tokenBytes []byte, line, col uint32) (tokenParser, error) {
		tokens = append(tokens, &token{tok, line, col, string(tokenBytes)})
		return parser, nil
	}
	_, _, err := lex(parser, []byte(input))
	require.NoError(t, err)
	return tokens
}

// demoWat imports a host function and calls it with a constant. We added a unicode comment for fun!
const demoWat = `(module
  ;; ホスト関数を呼び出します
  (import "host" "host_func" (func $host_hello (param i32)))
  (func (export "hello") i32.const 3 call $host_hello)
)`

func TestLex_Demo(t *testing.T) {
	require.Equal(t, []*token{
		{tokenLParen, 1, 1, "("},
		{tokenKeyword, 1, 2, "module"},
		{tokenLParen, 3, 3, "("},
		{tokenKeyword, 3, 4, "import"},
		{tokenString, 3, 11, `"host"`},
		{tokenString, 3, 18, `"host_func"`},
		{tokenLParen, 3, 30, "("},
		{tokenKeyword, 3, 31, "func"},
		{tokenID, 3, 36, "$host_hello"},
		{tokenLParen, 3, 48, "("},
		{tokenKeyword, 3, 49, "param"},
		{tokenKeyword, 3, 55, "i32"},
		{tokenRParen, 3, 58, ")"},
		{tokenRParen, 3, 59, ")"},
		{tokenRParen, 3, 60, ")"},
		{tokenLParen, 4, 3, "("},
		{tokenKeyword, 4, 4, "func"},
		{tokenLParen, 4, 9, "("},
		{tokenKeyword, 4, 10, "export"},
		{tokenString, 4, 17, `"hello"`},
		{tokenRParen, 4, 24, ")"},
		{tokenKeyword, 4, 26, "i32.const"},
		{tokenUN, 4, 36, "3"},
		{tokenKeyword, 4, 38, "call"},
		{tokenID, 4, 43, "$host_hello"},
		{tokenRParen, 4, 54, ")"},
		{tokenRParen, 5, 1, ")"},
	}, lexTokens(t, demoWat))
}

func TestLex(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []*token
	}{
		{
			name:  "empty",
			input: "",
		},
		{
			name:  "only whitespace",
			input: " \t\r\n",
		},
		{
			name:     "keyword",
			input:    "local.get",
			expected: []*token{{tokenKeyword, 1, 1, "local.get"}},
		},
		{
			name:     "memarg keyword",
			input:    "offset=0x10",
			expected: []*token{{tokenKeyword, 1, 1, "offset=0x10"}},
		},
		{
			name:  "integers",
			input: "1 1_000 0x0a -1 +0x1F",
			expected: []*token{
				{tokenUN, 1, 1, "1"},
				{tokenUN, 1, 3, "1_000"},
				{tokenUN, 1, 9, "0x0a"},
				{tokenSN, 1, 14, "-1"},
				{tokenSN, 1, 17, "+0x1F"},
			},
		},
		{
			name:  "floats",
			input: "1.5 -0x1.8p3 1e10 inf -nan nan:0x200000",
			expected: []*token{
				{tokenFN, 1, 1, "1.5"},
				{tokenFN, 1, 5, "-0x1.8p3"},
				{tokenFN, 1, 14, "1e10"},
				{tokenFN, 1, 19, "inf"},
				{tokenFN, 1, 23, "-nan"},
				{tokenFN, 1, 28, "nan:0x200000"},
			},
		},
		{
			name:     "reserved",
			input:    "0$y",
			expected: []*token{{tokenReserved, 1, 1, "0$y"}},
		},
		{
			name:     "bare dollar is reserved",
			input:    "$",
			expected: []*token{{tokenReserved, 1, 1, "$"}},
		},
		{
			name:     "string with escaped quote",
			input:    `"a\"b"`,
			expected: []*token{{tokenString, 1, 1, `"a\"b"`}},
		},
		{
			name:     "line comment",
			input:    ";; comment\n$id",
			expected: []*token{{tokenID, 2, 1, "$id"}},
		},
		{
			name:     "nested block comment",
			input:    "(; one (; two ;) ;)$id",
			expected: []*token{{tokenID, 1, 20, "$id"}},
		},
		{
			name:     "block comment spanning lines",
			input:    "(;\n;) $id",
			expected: []*token{{tokenID, 2, 4, "$id"}},
		},
	}

	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, lexTokens(t, tc.input))
		})
	}
}

func TestLex_Errors(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expectedErr string
	}{
		{
			name:        "close paren first",
			input:       ")",
			expectedErr: "1:1: found ')' before '('",
		},
		{
			name:        "unclosed paren",
			input:       "(module",
			expectedErr: "1:8: expected ')', but reached end of input",
		},
		{
			name:        "unclosed block comment",
			input:       "(; hello",
			expectedErr: "1:9: expected block comment end ';)', but reached end of input",
		},
		{
			name:        "unclosed string",
			input:       `"hello`,
			expectedErr: "1:1: expected end quote",
		},
		{
			name:        "newline in string",
			input:       "\"hel\nlo\"",
			expectedErr: "1:1: expected end quote",
		},
		{
			name:        "non-ASCII",
			input:       "(module é)",
			expectedErr: "1:9: expected an ASCII character, not é",
		},
		{
			name:        "unexpected character",
			input:       "(module ,)",
			expectedErr: "1:9: unexpected character ,",
		},
	}

	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			_, err := parseTree([]byte(tc.input))
			require.EqualError(t, err, tc.expectedErr)
		})
	}
}

func TestParseTree(t *testing.T) {
	top, err := parseTree([]byte(`(module $m (func)) (memory 1)`))
	require.NoError(t, err)
	require.Equal(t, 2, len(top))

	module := top[0]
	require.Equal(t, "module", module.keyword())
	require.Equal(t, 3, len(module.list))
	require.Equal(t, tokenID, module.list[1].tok)
	require.Equal(t, "func", module.list[2].keyword())
	require.Equal(t, uint32(1), module.line)
	require.Equal(t, uint32(12), module.list[2].col)

	require.Equal(t, "memory", top[1].keyword())
	require.True(t, top[1].list[1].tok == tokenUN)
	require.False(t, top[1].list[1].isKeyword("1"))
	require.True(t, top[1].list[0].isKeyword("memory"))
}
