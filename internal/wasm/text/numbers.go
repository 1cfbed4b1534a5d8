package text

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

var errOutOfRange = errors.New("constant out of range")

// stripUnderscores removes the digit separators WebAssembly allows, which strconv does not accept without a base
// prefix. See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#integers%E2%91%A6
func stripUnderscores(tokenBytes []byte) string {
	return strings.ReplaceAll(string(tokenBytes), "_", "")
}

// parseUint decodes a tokenUN that fits in bitSize bits.
func parseUint(tokenBytes []byte, bitSize int) (uint64, error) {
	s, base := stripUnderscores(tokenBytes), 10
	if strings.HasPrefix(s, "0x") {
		s, base = s[2:], 16
	}
	v, err := strconv.ParseUint(s, base, bitSize)
	if err != nil {
		return 0, errOutOfRange
	}
	return v, nil
}

// parseInt decodes the bits of an integer constant of bitSize bits, which is either a tokenUN in [0, 2^N) or a
// tokenSN in [-2^(N-1), 2^(N-1)).
func parseInt(tok tokenType, tokenBytes []byte, bitSize int) (uint64, error) {
	switch tok {
	case tokenUN:
		return parseUint(tokenBytes, bitSize)
	case tokenSN:
	default:
		return 0, fmt.Errorf("expected an integer, but parsed %s", tok)
	}
	v, err := parseUint(tokenBytes[1:], bitSize)
	if err != nil {
		return 0, err
	}
	limit := uint64(1) << (bitSize - 1)
	if tokenBytes[0] == '-' {
		if v > limit {
			return 0, errOutOfRange
		}
		v = uint64(-int64(v))
		if bitSize == 32 {
			v = uint64(uint32(v))
		}
		return v, nil
	}
	if v >= limit {
		return 0, errOutOfRange
	}
	return v, nil
}

// parseFloat decodes the IEEE 754 bits of a float constant of bitSize bits. Integer tokens are accepted.
func parseFloat(tok tokenType, tokenBytes []byte, bitSize int) (uint64, error) {
	switch tok {
	case tokenFN, tokenUN, tokenSN:
	default:
		return 0, fmt.Errorf("expected a float, but parsed %s", tok)
	}

	s := stripUnderscores(tokenBytes)
	negative := false
	if s[0] == '+' || s[0] == '-' {
		negative, s = s[0] == '-', s[1:]
	}

	var sign, expBits, mantissaBits uint64
	if bitSize == 32 {
		sign, expBits, mantissaBits = 1<<31, 0x7f800000, 23
	} else {
		sign, expBits, mantissaBits = 1<<63, 0x7ff0000000000000, 52
	}
	if !negative {
		sign = 0
	}

	switch {
	case s == "inf":
		return sign | expBits, nil
	case s == "nan": // canonical NaN has only the most significant mantissa bit set
		return sign | expBits | 1<<(mantissaBits-1), nil
	case strings.HasPrefix(s, "nan:0x"):
		payload, err := strconv.ParseUint(s[6:], 16, 64)
		if err != nil || payload == 0 || payload >= 1<<mantissaBits {
			return 0, errOutOfRange
		}
		return sign | expBits | payload, nil
	}

	if strings.HasPrefix(s, "0x") && !strings.ContainsAny(s, "pP") {
		s += "p0" // strconv requires an exponent in hexadecimal floats
	}
	f, err := strconv.ParseFloat(s, bitSize)
	if err != nil {
		return 0, errOutOfRange
	}
	if negative {
		f = -f
	}
	if bitSize == 32 {
		return uint64(math.Float32bits(float32(f))), nil
	}
	return math.Float64bits(f), nil
}

// decodeString returns the bytes of a tokenString, resolving escapes.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#strings%E2%91%A0
func decodeString(tokenBytes []byte) ([]byte, error) {
	in := tokenBytes[1 : len(tokenBytes)-1] // strip the quotes
	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); i++ {
		ch := in[i]
		if ch != '\\' {
			out = append(out, ch)
			continue
		}
		i++
		if i == len(in) {
			return nil, errors.New("incomplete escape")
		}
		switch esc := in[i]; esc {
		case 't':
			out = append(out, '\t')
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		case '"', '\'', '\\':
			out = append(out, esc)
		case 'u':
			end := strings.IndexByte(string(in[i:]), '}')
			if i+1 >= len(in) || in[i+1] != '{' || end < 0 {
				return nil, errors.New("invalid unicode escape")
			}
			r, err := strconv.ParseUint(stripUnderscores(in[i+2:i+end]), 16, 32)
			if err != nil || !utf8.ValidRune(rune(r)) {
				return nil, fmt.Errorf("invalid unicode escape: %s", in[i:i+end+1])
			}
			out = utf8.AppendRune(out, rune(r))
			i += end
		default:
			if i+1 >= len(in) || !isDigit(esc, true) || !isDigit(in[i+1], true) {
				return nil, fmt.Errorf("invalid escape: \\%c", esc)
			}
			v, _ := strconv.ParseUint(string(in[i:i+2]), 16, 8)
			out = append(out, byte(v))
			i++
		}
	}
	return out, nil
}
