// Package text implements the string escaping used in the canonical event
// serialization. The rules are those of JSON.stringify, which every nostr
// implementation hashes with: the two character escapes for quotation mark,
// reverse solidus, backspace, form feed, line feed, carriage return and tab,
// \u00XX for the remaining C0 control characters, and everything else,
// including '<', '>', '&' and all non-ASCII UTF-8, copied verbatim.
//
// Note that the stdlib json.Marshal is not usable here as it HTML-escapes by
// default and silently replaces invalid UTF-8 with U+FFFD, which would make
// the hash of a malformed string collide with the hash of a different one.
package text

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrEncoding is returned for strings that are not valid UTF-8.
var ErrEncoding = errors.New("invalid UTF-8 encoding")

const hexDigits = "0123456789abcdef"

// AppendQuoted appends s to dst as a quoted, escaped JSON string.
func AppendQuoted(dst []byte, s string) ([]byte, error) {
	if !utf8.ValidString(s) {
		return dst, fmt.Errorf("%w in %q", ErrEncoding, truncate(s))
	}
	dst = append(dst, '"')
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 0x20 && c != '"' && c != '\\' {
			continue
		}
		dst = append(dst, s[start:i]...)
		switch c {
		case '"', '\\':
			dst = append(dst, '\\', c)
		case '\b':
			dst = append(dst, '\\', 'b')
		case '\f':
			dst = append(dst, '\\', 'f')
		case '\n':
			dst = append(dst, '\\', 'n')
		case '\r':
			dst = append(dst, '\\', 'r')
		case '\t':
			dst = append(dst, '\\', 't')
		default:
			dst = append(dst, '\\', 'u', '0', '0', hexDigits[c>>4], hexDigits[c&0xf])
		}
		start = i + 1
	}
	dst = append(dst, s[start:]...)
	dst = append(dst, '"')
	return dst, nil
}

// Quote is AppendQuoted into a new slice.
func Quote(s string) ([]byte, error) {
	return AppendQuoted(make([]byte, 0, len(s)+2), s)
}

func truncate(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}
