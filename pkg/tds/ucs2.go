package tds

import (
	"golang.org/x/text/encoding/unicode"
)

// TDS carries strings as UCS-2 LE (two bytes per character, little-endian)
// throughout the protocol. The UTF-16 codecs below cover the UCS-2 subset;
// supplementary-plane characters do not occur in the identifiers and
// diagnostics this driver handles.
var (
	ucs2Encoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	ucs2Decoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
)

// EncodeUCS2 converts a Go string to UCS-2 LE bytes.
func EncodeUCS2(s string) []byte {
	b, err := ucs2Encoder.Bytes([]byte(s))
	if err != nil {
		// Unencodable runes are replaced rather than failing the batch.
		out := make([]byte, 0, len(s)*2)
		for _, r := range s {
			if r > 0xFFFF {
				r = 0xFFFD
			}
			out = append(out, byte(r), byte(r>>8))
		}
		return out
	}
	return b
}

// DecodeUCS2 converts UCS-2 LE bytes to a Go string. A trailing odd byte is
// dropped.
func DecodeUCS2(b []byte) string {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	s, err := ucs2Decoder.Bytes(b)
	if err != nil {
		return ""
	}
	return string(s)
}

// ucs2Len returns the character count of a string once encoded as UCS-2.
func ucs2Len(s string) int {
	return len(EncodeUCS2(s)) / 2
}
