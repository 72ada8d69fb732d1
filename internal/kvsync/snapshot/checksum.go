package snapshot

import (
	"fmt"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// ChecksumPrefix tags the hash algorithm in every checksum string.
const ChecksumPrefix = "fnv1a-"

const (
	fnvOffset32 uint32 = 2166136261
	fnvPrime32  uint32 = 16777619
)

// Checksum returns the FNV-1a digest of the canonical JSON form of s, as
// "fnv1a-" followed by eight lowercase hex digits.
//
// The hash runs over UTF-16 code units rather than bytes, the way a
// JavaScript FNV-1a over charCodeAt does. Peers agree on the digest only if
// they also order keys by UTF-16 code units (Array.prototype.sort without a
// comparator), not by localeCompare.
func Checksum(s Snapshot) string {
	h := fnvOffset32
	for _, unit := range utf16.Encode([]rune(CanonicalJSON(s))) {
		h ^= uint32(unit)
		h *= fnvPrime32
	}
	return fmt.Sprintf("%s%08x", ChecksumPrefix, h)
}

// EmptyChecksum is the checksum of an empty snapshot.
var EmptyChecksum = Checksum(Snapshot{})

// CanonicalJSON renders s as a JSON object with keys in canonical order and
// strings escaped the way JSON.stringify escapes them: no HTML escaping and
// U+2028/U+2029 left literal.
func CanonicalJSON(s Snapshot) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range s.SortedKeys() {
		if i > 0 {
			b.WriteByte(',')
		}
		writeString(&b, k)
		b.WriteByte(':')
		writeString(&b, s[k])
	}
	b.WriteByte('}')
	return b.String()
}

const hexDigits = "0123456789abcdef"

func writeString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				b.WriteString(`\u00`)
				b.WriteByte(hexDigits[r>>4])
				b.WriteByte(hexDigits[r&0xf])
				continue
			}
			// invalid UTF-8 decodes to utf8.RuneError and is written as U+FFFD
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
}
