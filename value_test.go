// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package duplex

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestValueRoundTrip(t *testing.T) {
	tests := []Value{
		Undefined{},
		String(""),
		String("hello"),
		String("päck my böx"),
		Binary(nil),
		Binary{1, 2, 3},
		Buffer(nil),
		Buffer{0xde, 0xad, 0xbe, 0xef},
		Object(`null`),
		Object(`{"ok":true,"n":25}`),
		Array{},
		Array{String("a"), Undefined{}, Buffer{9}},
		Array{Array{Object(`1`), Object(`2`)}, String("nested")},
	}
	for _, v := range tests {
		enc := encodeValue(v)
		got, rest, err := decodeValue(enc)
		if err != nil {
			t.Errorf("decodeValue(%v): unexpected error: %v", v.Kind(), err)
			continue
		}
		if len(rest) != 0 {
			t.Errorf("decodeValue(%v): %d bytes left over", v.Kind(), len(rest))
		}
		if diff := cmp.Diff(v, got, cmp.Comparer(sameBytes)); diff != "" {
			t.Errorf("Round trip (-want, +got):\n%s", diff)
		}
	}
}

// sameBytes treats nil and empty byte content as equivalent, since the wire
// format does not distinguish them.
func sameBytes(a, b []byte) bool { return string(a) == string(b) }

func TestValueDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"badKind", []byte{99, 0, 0, 0, 0}},
		{"shortLength", []byte{byte(KindString), 0, 0}},
		{"shortContent", []byte{byte(KindString), 0, 0, 0, 5, 'a', 'b'}},
		{"shortArrayElt", []byte{byte(KindArray), 0, 0, 0, 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if v, _, err := decodeValue(tc.input); err == nil {
				t.Errorf("decodeValue: got %v, want error", v)
			}
		})
	}
}

func TestFrameRoundTrip(t *testing.T) {
	tests := []Frame{
		{Type: FrameInitialize, Body: Undefined{}},
		{Type: FrameCall, ID: 0, Channel: "svc", Name: "ping", Body: String("hi")},
		{Type: FrameCall, ID: 25, Channel: "files", Name: "stat", Body: Object(`{"path":"/tmp"}`)},
		{Type: FrameListen, ID: 3, Channel: "svc", Name: "onTick", Body: Undefined{}},
		{Type: FrameCancel, ID: 25, Body: Undefined{}},
		{Type: FrameDispose, ID: 3, Body: Undefined{}},
		{Type: FrameSuccess, ID: 25, Body: Buffer{1, 2, 3}},
		{Type: FrameError, ID: 25, Body: Object(`{"name":"Error","message":"nope"}`)},
		{Type: FrameErrorValue, ID: 25, Body: Object(`42`)},
		{Type: FrameEvent, ID: 3, Body: Object(`7`)},
	}
	for _, f := range tests {
		t.Run(f.Type.String(), func(t *testing.T) {
			var got Frame
			if err := got.UnmarshalBinary(f.Encode()); err != nil {
				t.Fatalf("UnmarshalBinary: unexpected error: %v", err)
			}
			if diff := cmp.Diff(f, got, cmp.Comparer(sameBytes)); diff != "" {
				t.Errorf("Round trip (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestFrameDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"notArray", encodeValue(String("x"))},
		{"emptyHeader", append(encodeValue(Array{}), encodeValue(Undefined{})...)},
		{"missingBody", encodeValue(Array{JSON(byte(FrameSuccess)), JSON(1)})},
		{"shortCall", append(encodeValue(Array{JSON(byte(FrameCall)), JSON(1)}), encodeValue(Undefined{})...)},
		{"badID", append(encodeValue(Array{JSON(byte(FrameSuccess)), String("x")}), encodeValue(Undefined{})...)},
		{"trailing", append(Frame{Type: FrameInitialize}.Encode(), 0)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var f Frame
			if err := f.UnmarshalBinary(tc.input); err == nil {
				t.Errorf("UnmarshalBinary: got %+v, want error", f)
			}
		})
	}
}
