package text

// tokenType is the set of tokens defined by the WebAssembly Text Format 1.0
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#tokens%E2%91%A0
type tokenType byte

const (
	tokenInvalid tokenType = iota
	// tokenKeyword is a sequence of idChar characters prefixed by a lowercase letter. Ex. "local.get" or "i32.lt_s"
	tokenKeyword
	// tokenUN is an unsigned integer in decimal or hexadecimal notation, optionally separated by underscores.
	// Ex. 10, 1_0 or 0x0a
	tokenUN
	// tokenSN is a signed integer in decimal or hexadecimal notation. Ex. +10, -1_0 or -0x0a
	tokenSN
	// tokenFN is a floating point number in decimal or hexadecimal notation, including "inf" and "nan".
	// Ex. 1.5, -0x1.8p3, +inf or nan:0x200000
	tokenFN
	// tokenString is a quoted byte string, which may include escapes. Ex. "\e2\98\ba\0a"
	tokenString
	// tokenID is a sequence of idChar characters prefixed by a '$'. Ex. $main
	tokenID
	tokenLParen
	tokenRParen
	// tokenReserved is a sequence of idChar characters which is none of the above. Ex. 0$y
	tokenReserved
)

var tokenNames = [...]string{
	tokenInvalid:  "invalid",
	tokenKeyword:  "keyword",
	tokenUN:       "uN",
	tokenSN:       "sN",
	tokenFN:       "fN",
	tokenString:   "string",
	tokenID:       "ID",
	tokenLParen:   "(",
	tokenRParen:   ")",
	tokenReserved: "reserved",
}

// String returns the string name of this token.
func (t tokenType) String() string {
	return tokenNames[t]
}

// constants below help format a somewhat readable lookup table that eases identification of tokens.
const (
	xx = tokenInvalid
	xs = tokenString
	xi = tokenID
	lp = tokenLParen
	rp = tokenRParen
	un = tokenUN
	sn = tokenSN
	xk = tokenKeyword
	xr = tokenReserved
)

// firstTokenByte is the token implied by the first byte. Numbers are refined by classify once the token is read.
var firstTokenByte = [256]tokenType{
	//   1   2   3   4   5   6   7   8   9   A   B   C   D   E   F
	xx, xx, xx, xx, xx, xx, xx, xx, xx, xx, xx, xx, xx, xx, xx, xx, // 0x00-0x0F
	xx, xx, xx, xx, xx, xx, xx, xx, xx, xx, xx, xx, xx, xx, xx, xx, // 0x10-0x1F
	xx, xr, xs, xr, xi, xr, xr, xr, lp, rp, xr, sn, xx, sn, xr, xr, // 0x20-0x2F
	un, un, un, un, un, un, un, un, un, un, xr, xx, xr, xr, xr, xr, // 0x30-0x3F
	xr, xr, xr, xr, xr, xr, xr, xr, xr, xr, xr, xr, xr, xr, xr, xr, // 0x40-0x4F
	xr, xr, xr, xr, xr, xr, xr, xr, xr, xr, xr, xx, xr, xx, xr, xr, // 0x50-0x5F
	xr, xk, xk, xk, xk, xk, xk, xk, xk, xk, xk, xk, xk, xk, xk, xk, // 0x60-0x6F
	xk, xk, xk, xk, xk, xk, xk, xk, xk, xk, xk, xx, xr, xx, xr, xx, // 0x70-0x7F
}

// idChar is a printable ASCII character that does not contain a space, quotation mark, comma, semicolon, or bracket.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#text-idchar
var idChar = buildIDChars()

func buildIDChars() (result [256]bool) {
	for ch := byte('0'); ch <= '9'; ch++ {
		result[ch] = true
	}
	for ch := byte('a'); ch <= 'z'; ch++ {
		result[ch] = true
	}
	for ch := byte('A'); ch <= 'Z'; ch++ {
		result[ch] = true
	}
	for _, ch := range []byte("!#$%&'*+-./:<=>?@\\^_`|~") {
		result[ch] = true
	}
	return
}

// classify refines the token type guessed from the first byte, now that all of tokenBytes are known.
func classify(tok tokenType, tokenBytes []byte) tokenType {
	switch tok {
	case tokenID:
		if len(tokenBytes) == 1 {
			return tokenReserved
		}
	case tokenKeyword:
		if isFloatSpecial(tokenBytes) {
			return tokenFN
		}
	case tokenUN, tokenSN:
		digits := tokenBytes
		if tok == tokenSN {
			digits = digits[1:]
		}
		if isFloatSpecial(digits) {
			return tokenFN
		}
		hex := len(digits) > 2 && digits[0] == '0' && digits[1] == 'x'
		if hex {
			digits = digits[2:]
		}
		if len(digits) == 0 || !isDigit(digits[0], hex) {
			return tokenReserved
		}
		integer := true
		for _, ch := range digits {
			if ch == '_' || isDigit(ch, hex) {
				continue
			}
			integer = false
			if !isFloatChar(ch, hex) {
				return tokenReserved
			}
		}
		if !integer {
			return tokenFN
		}
	}
	return tok
}

// isFloatSpecial returns true for "inf", "nan" and "nan:0xN".
func isFloatSpecial(b []byte) bool {
	s := string(b)
	if s == "inf" || s == "nan" {
		return true
	}
	if len(s) <= 6 || s[:6] != "nan:0x" {
		return false
	}
	for i := 6; i < len(s); i++ {
		if s[i] != '_' && !isDigit(s[i], true) {
			return false
		}
	}
	return true
}

func isDigit(ch byte, hex bool) bool {
	switch {
	case ch >= '0' && ch <= '9':
		return true
	case hex && ch >= 'a' && ch <= 'f', hex && ch >= 'A' && ch <= 'F':
		return true
	}
	return false
}

func isFloatChar(ch byte, hex bool) bool {
	switch ch {
	case '.', '+', '-':
		return true
	case 'e', 'E':
		return !hex
	case 'p', 'P':
		return hex
	}
	return false
}

// stripDollar returns the input without a leading '$'. Names read from the text format do not include it, matching
// how wabt tools populate the name section.
func stripDollar(tokenID []byte) []byte {
	return tokenID[1:]
}
