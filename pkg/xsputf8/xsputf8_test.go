package xsputf8

import (
	"testing"
	"unicode/utf8"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		ok   bool
	}{
		{name: "empty", data: nil, ok: true},
		{name: "ascii", data: []byte("hello"), ok: true},
		{name: "two_byte", data: []byte("Hé"), ok: true}, // "Hé"
		{name: "three_byte", data: []byte("☃"), ok: true},
		{name: "four_byte", data: []byte("\U0001F600"), ok: true},
		{name: "truncated_two_byte", data: []byte{0xc3}, ok: false},
		{name: "overlong_encoding", data: []byte{0xc0, 0xaf}, ok: false},
		{name: "lone_continuation", data: []byte{0x80}, ok: false},
		{name: "invalid_byte_0xc3_0x28", data: []byte{0xc3, 0x28}, ok: false},
		{name: "surrogate_half", data: []byte{0xed, 0xa0, 0x80}, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Validate(Accept, tt.data).OK()
			if got != tt.ok {
				t.Errorf("Validate(Accept, %v).OK() = %v, want %v", tt.data, got, tt.ok)
			}
			if want := utf8.Valid(tt.data); got != want {
				t.Errorf("Validate(Accept, %v).OK() = %v, disagrees with utf8.Valid() = %v", tt.data, got, want)
			}
		})
	}
}

func TestValidateChunked(t *testing.T) {
	// "Hé" split across two separate feeds, one byte of the
	// 2-byte encoding of 'é' in each call.
	s := Accept
	s = Validate(s, []byte{'H', 0xc3})
	if s.OK() {
		t.Fatalf("state should not be Accept mid-sequence")
	}
	s = Validate(s, []byte{0xa9})
	if !s.OK() {
		t.Fatalf("state should be Accept after the full sequence is fed")
	}
}

func TestRejectIsSink(t *testing.T) {
	s := Validate(Accept, []byte{0x80})
	if s != Reject {
		t.Fatalf("invalid input should reach Reject, got %v", s)
	}
	if s2 := Validate(s, []byte("hello")); s2 != Reject {
		t.Errorf("Reject should be a sink state, got %v after feeding valid bytes", s2)
	}
}
