// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package duplex

import (
	"fmt"
	"strconv"

	"github.com/creachadair/mds/value"
)

// A FrameType describes the structure and meaning of a frame. Types below
// 200 are requests, sent from a client to a server; types from 200 are
// responses, sent from a server to a client. All type values not defined
// here are reserved by the protocol.
type FrameType byte

const (
	FrameCall    FrameType = 100 // invoke a command on a channel
	FrameCancel  FrameType = 101 // cancel a pending call
	FrameListen  FrameType = 102 // subscribe to a channel event
	FrameDispose FrameType = 103 // end an event subscription

	FrameInitialize FrameType = 200 // server is ready to dispatch
	FrameSuccess    FrameType = 201 // terminal success for a call
	FrameError      FrameType = 202 // terminal structured error for a call
	FrameErrorValue FrameType = 203 // terminal non-error payload for a call
	FrameEvent      FrameType = 204 // one event emission (non-terminal)
)

// isResponse reports whether t is sent from a server to a client.
func (t FrameType) isResponse() bool { return t >= FrameInitialize }

func (t FrameType) String() string {
	switch t {
	case FrameCall:
		return "CALL"
	case FrameCancel:
		return "CANCEL"
	case FrameListen:
		return "LISTEN"
	case FrameDispose:
		return "DISPOSE"
	case FrameInitialize:
		return "INITIALIZE"
	case FrameSuccess:
		return "SUCCESS"
	case FrameError:
		return "ERROR"
	case FrameErrorValue:
		return "ERROR_VALUE"
	case FrameEvent:
		return "EVENT"
	default:
		return fmt.Sprintf("TYPE:%d", byte(t))
	}
}

// A Frame is one protocol message: a header value followed by a body value,
// concatenated in one transport message.
//
// The header is an array [type, id?, channel?, name?]. Initialize frames
// carry only the type; Call and Listen frames carry all four fields with
// the argument in the body; Cancel and Dispose frames carry type and id with
// an Undefined body; response frames carry type and id with the payload in
// the body.
//
// The split keeps routing-relevant fields decodable without touching the
// payload, and avoids a JSON encode for payloads that are already buffers.
type Frame struct {
	Type    FrameType
	ID      uint32 // unset for Initialize
	Channel string // target channel, for Call and Listen
	Name    string // command or event name, for Call and Listen
	Body    Value  // nil is encoded as Undefined
}

// Encode encodes f in binary format.
func (f Frame) Encode() []byte {
	hdr := Array{JSON(byte(f.Type))}
	switch f.Type {
	case FrameInitialize:
		// type only
	case FrameCall, FrameListen:
		hdr = append(hdr, JSON(f.ID), String(f.Channel), String(f.Name))
	default:
		hdr = append(hdr, JSON(f.ID))
	}
	buf := hdr.appendTo(nil)
	body := f.Body
	if body == nil {
		body = Undefined{}
	}
	return body.appendTo(buf)
}

// UnmarshalBinary decodes data into f. It implements
// encoding.BinaryUnmarshaler.
func (f *Frame) UnmarshalBinary(data []byte) error {
	hv, rest, err := decodeValue(data)
	if err != nil {
		return fmt.Errorf("invalid frame header: %w", err)
	}
	hdr, ok := hv.(Array)
	if !ok || len(hdr) == 0 {
		return fmt.Errorf("invalid frame header: got %v, want non-empty array", hv.Kind())
	}
	body, rest, err := decodeValue(rest)
	if err != nil {
		return fmt.Errorf("invalid frame body: %w", err)
	} else if len(rest) != 0 {
		return fmt.Errorf("invalid frame: %d bytes of trailing data", len(rest))
	}

	ftype, err := headerUint(hdr[0])
	if err != nil {
		return fmt.Errorf("invalid frame type: %w", err)
	}
	f.Type = FrameType(ftype)
	f.ID, f.Channel, f.Name, f.Body = 0, "", "", body

	switch f.Type {
	case FrameInitialize:
		return nil
	case FrameCall, FrameListen:
		if len(hdr) < 4 {
			return fmt.Errorf("short %v header (%d fields)", f.Type, len(hdr))
		}
		ch, ok := hdr[2].(String)
		if !ok {
			return fmt.Errorf("invalid channel name: got %v, want string", hdr[2].Kind())
		}
		name, ok := hdr[3].(String)
		if !ok {
			return fmt.Errorf("invalid method name: got %v, want string", hdr[3].Kind())
		}
		f.Channel, f.Name = string(ch), string(name)
	}
	if len(hdr) < 2 {
		return fmt.Errorf("short %v header (%d fields)", f.Type, len(hdr))
	}
	id, err := headerUint(hdr[1])
	if err != nil {
		return fmt.Errorf("invalid request ID: %w", err)
	}
	f.ID = uint32(id)
	return nil
}

// String returns a human-friendly rendering of the frame.
func (f Frame) String() string {
	switch f.Type {
	case FrameInitialize:
		return "Frame(INITIALIZE)"
	case FrameCall, FrameListen:
		return fmt.Sprintf("Frame(%v, ID=%d, %s.%s%s)", f.Type, f.ID, f.Channel, f.Name, bodyLabel(f.Body))
	default:
		return fmt.Sprintf("Frame(%v, ID=%d%s)", f.Type, f.ID, bodyLabel(f.Body))
	}
}

func bodyLabel(body Value) string {
	undef := body == nil || body.Kind() == KindUndefined
	return value.Cond(undef, "", fmt.Sprintf(", body=%v", renderValue(body)))
}

func renderValue(v Value) string {
	if v == nil {
		return KindUndefined.String()
	}
	switch t := v.(type) {
	case String:
		return strconv.Quote(string(t))
	case Object:
		return string(t)
	case Binary:
		return fmt.Sprintf("[%d bytes]", len(t))
	case Buffer:
		return fmt.Sprintf("[%d bytes]", len(t))
	case Array:
		return fmt.Sprintf("[%d values]", len(t))
	default:
		return v.Kind().String()
	}
}

// headerUint extracts an unsigned integer from a header element, which is
// carried as a JSON number in an object value.
func headerUint(v Value) (uint64, error) {
	o, ok := v.(Object)
	if !ok {
		return 0, fmt.Errorf("got %v, want number", v.Kind())
	}
	return strconv.ParseUint(string(o), 10, 32)
}
