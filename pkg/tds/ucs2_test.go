package tds

import (
	"bytes"
	"testing"
)

func TestEncodeUCS2(t *testing.T) {
	got := EncodeUCS2("AB1")
	want := []byte{0x41, 0x00, 0x42, 0x00, 0x31, 0x00}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeUCS2(AB1) = % x, want % x", got, want)
	}
}

func TestDecodeUCS2(t *testing.T) {
	if got := DecodeUCS2([]byte{0x41, 0x00, 0x42, 0x00}); got != "AB" {
		t.Errorf("DecodeUCS2 = %q, want AB", got)
	}
	// A trailing odd byte is dropped.
	if got := DecodeUCS2([]byte{0x41, 0x00, 0x42}); got != "A" {
		t.Errorf("DecodeUCS2 odd = %q, want A", got)
	}
	if got := DecodeUCS2(nil); got != "" {
		t.Errorf("DecodeUCS2(nil) = %q", got)
	}
}

func TestUCS2RoundTrip(t *testing.T) {
	for _, s := range []string{"", "sa", "JaxView", "héllo wörld", "SELECT * FROM FOO;"} {
		if got := DecodeUCS2(EncodeUCS2(s)); got != s {
			t.Errorf("round trip %q = %q", s, got)
		}
	}
}

func TestUCS2Len(t *testing.T) {
	if n := ucs2Len("JaxView"); n != 7 {
		t.Errorf("ucs2Len = %d, want 7", n)
	}
}
