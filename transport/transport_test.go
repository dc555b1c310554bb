// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package transport_test

import (
	"errors"
	"io"
	"net"
	"testing"

	"github.com/creachadair/duplex/transport"
	"github.com/google/go-cmp/cmp"
)

func TestDirect(t *testing.T) {
	a, b := transport.Direct()

	if err := a.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}
	msg, err := b.Recv()
	if err != nil {
		t.Fatalf("Recv: unexpected error: %v", err)
	}
	if got := string(msg); got != "hello" {
		t.Errorf("Recv: got %q, want %q", got, "hello")
	}

	if err := a.Close(); err != nil {
		t.Errorf("Close: unexpected error: %v", err)
	}
	if msg, err := b.Recv(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Recv after close: got %q, %v; want %v", msg, err, net.ErrClosed)
	}
	if err := b.Close(); err != nil {
		t.Errorf("Close B: unexpected error: %v", err)
	}
	if err := a.Send([]byte("into the void")); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Send after close: got %v, want %v", err, net.ErrClosed)
	}
	if err := a.Close(); !errors.Is(err, net.ErrClosed) {
		t.Errorf("Double close: got %v, want %v", err, net.ErrClosed)
	}
}

func TestIO(t *testing.T) {
	ar, aw := io.Pipe()
	br, bw := io.Pipe()
	A := transport.IO(ar, bw) // A reads what B writes
	B := transport.IO(br, aw)

	tests := [][]byte{
		[]byte("short"),
		nil, // empty message
		make([]byte, 100000),
		[]byte{0, 1, 2, 3, 255},
	}
	done := make(chan error, 1)
	go func() {
		defer close(done)
		for _, msg := range tests {
			if err := B.Send(msg); err != nil {
				done <- err
				return
			}
		}
	}()

	for i, want := range tests {
		got, err := A.Recv()
		if err != nil {
			t.Fatalf("Recv %d: unexpected error: %v", i, err)
		}
		if diff := cmp.Diff(want, got, equateEmpty); diff != "" {
			t.Errorf("Recv %d (-want, +got):\n%s", i, diff)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: unexpected error: %v", err)
	}

	B.Close()
	if msg, err := A.Recv(); err == nil {
		t.Errorf("Recv after close: got %q, want error", msg)
	}
}

var equateEmpty = cmp.Comparer(func(a, b []byte) bool { return string(a) == string(b) })

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		input, network, address string
	}{
		{"", "unix", ""},
		{"/run/app.sock", "unix", "/run/app.sock"},
		{"sock:", "unix", "sock:"},
		{"local:ipc", "tcp", "local:ipc"},
		{"/tmp/x:80", "unix", "/tmp/x:80"},
		{"localhost:8080", "tcp", "localhost:8080"},
		{":9999", "tcp", ":9999"},
		{"host:bad port", "unix", "host:bad port"},
	}
	for _, tc := range tests {
		network, address := transport.SplitAddress(tc.input)
		if network != tc.network || address != tc.address {
			t.Errorf("SplitAddress(%q): got (%q, %q), want (%q, %q)",
				tc.input, network, address, tc.network, tc.address)
		}
	}
}
