// Package codec converts free-text fields to and from the storage-safe form
// used at rest: the UTF-16 big-endian bytes of the text rendered as
// uppercase hex digits with no separators.
//
// Decode is tolerant. Rows written before encoding was introduced hold plain
// text, so any input that is not a well-formed hex rendering of UTF-16 code
// units is returned unchanged instead of failing.
package codec

import (
	"encoding/hex"
	"strings"
	"unicode/utf16"

	"golang.org/x/text/encoding/unicode"
)

// utf16BE never consumes or emits a byte order mark, so a leading U+FEFF in
// the text survives a round trip.
var utf16BE = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// Encode renders text as uppercase hex of its UTF-16BE bytes.
func Encode(text string) string {
	if text == "" {
		return ""
	}
	b, err := utf16BE.NewEncoder().Bytes([]byte(text))
	if err != nil {
		b = encodeRunes(text)
	}
	return strings.ToUpper(hex.EncodeToString(b))
}

// Decode reverses Encode. Odd-length input, non-hex characters, a byte
// count that is not a whole number of UTF-16 code units or an unpaired
// surrogate make Decode return s as-is.
func Decode(s string) string {
	if s == "" {
		return ""
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b)%2 != 0 || !pairedSurrogates(b) {
		return s
	}
	out, err := utf16BE.NewDecoder().Bytes(b)
	if err != nil {
		return s
	}
	return string(out)
}

// encodeRunes is the fallback used if the x/text encoder rejects the input.
// Invalid UTF-8 decodes to U+FFFD through the []rune conversion.
func encodeRunes(text string) []byte {
	units := utf16.Encode([]rune(text))
	b := make([]byte, 0, len(units)*2)
	for _, u := range units {
		b = append(b, byte(u>>8), byte(u))
	}
	return b
}

// pairedSurrogates reports whether every surrogate code unit in the UTF-16BE
// bytes b is half of a high-low pair. The x/text decoder would otherwise
// turn a lone surrogate into U+FFFD.
func pairedSurrogates(b []byte) bool {
	for i := 0; i < len(b); i += 2 {
		u := rune(b[i])<<8 | rune(b[i+1])
		if !utf16.IsSurrogate(u) {
			continue
		}
		if u >= 0xDC00 || i+3 >= len(b) {
			return false
		}
		next := rune(b[i+2])<<8 | rune(b[i+3])
		if next < 0xDC00 || next > 0xDFFF {
			return false
		}
		i += 2
	}
	return true
}
