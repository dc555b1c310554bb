// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package duplex

import (
	"testing"

	"github.com/creachadair/mds/mtest"
)

func TestJSONPanic(t *testing.T) {
	mtest.MustPanic(t, func() { JSON(make(chan int)) })
}

func TestHeaderUint(t *testing.T) {
	tests := []struct {
		input   Value
		want    uint64
		wantErr bool
	}{
		{Object(`0`), 0, false},
		{Object(`204`), 204, false},
		{Object(`4294967295`), 4294967295, false},
		{Object(`4294967296`), 0, true}, // exceeds 32 bits
		{Object(`-1`), 0, true},
		{Object(`1.5`), 0, true},
		{String("100"), 0, true}, // numbers ride in object values
		{Undefined{}, 0, true},
	}
	for _, tc := range tests {
		got, err := headerUint(tc.input)
		if tc.wantErr {
			if err == nil {
				t.Errorf("headerUint(%v): got %d, want error", tc.input, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("headerUint(%v): unexpected error: %v", tc.input, err)
		} else if got != tc.want {
			t.Errorf("headerUint(%v): got %d, want %d", tc.input, got, tc.want)
		}
	}
}
