// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package duplex

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// A Kind is the wire type tag of a Value.
//
// All kind values not defined here are reserved by the protocol and MUST NOT
// be used for any other purpose. Both peers must agree on the tag table;
// there is no version negotiation.
type Kind byte

const (
	KindUndefined Kind = 0 // no content
	KindString    Kind = 1 // UTF-8 text
	KindBinary    Kind = 2 // raw bytes (foreign buffer)
	KindBuffer    Kind = 3 // raw bytes (native buffer)
	KindArray     Kind = 4 // sequence of values
	KindObject    Kind = 5 // JSON text
)

func (k Kind) String() string {
	switch k {
	case KindUndefined:
		return "UNDEFINED"
	case KindString:
		return "STRING"
	case KindBinary:
		return "BINARY"
	case KindBuffer:
		return "BUFFER"
	case KindArray:
		return "ARRAY"
	case KindObject:
		return "OBJECT"
	default:
		return fmt.Sprintf("KIND:%d", byte(k))
	}
}

// A Value is one serializable wire value. Each value is encoded as a 1-byte
// kind tag followed by its content; all variable-length content carries a
// 4-byte big-endian length prefix. Numeric and Boolean scalars, records, and
// nested structures are carried in the Object case as JSON text.
//
// The concrete types are [Undefined], [String], [Binary], [Buffer], [Array],
// and [Object].
type Value interface {
	// Kind reports the wire tag of the value.
	Kind() Kind

	appendTo(buf []byte) []byte
}

// Undefined is the absent value. It encodes as a bare tag with no content.
type Undefined struct{}

// Kind implements part of the [Value] interface.
func (Undefined) Kind() Kind { return KindUndefined }

func (Undefined) appendTo(buf []byte) []byte { return append(buf, byte(KindUndefined)) }

// String is a UTF-8 text value.
type String string

// Kind implements part of the [Value] interface.
func (String) Kind() Kind { return KindString }

func (s String) appendTo(buf []byte) []byte {
	buf = append(buf, byte(KindString))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// Binary is a raw byte value originating from a foreign buffer type. It is
// decoded for interoperability; values produced by this package use [Buffer].
type Binary []byte

// Kind implements part of the [Value] interface.
func (Binary) Kind() Kind { return KindBinary }

func (b Binary) appendTo(buf []byte) []byte {
	buf = append(buf, byte(KindBinary))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// Buffer is a raw byte value.
type Buffer []byte

// Kind implements part of the [Value] interface.
func (Buffer) Kind() Kind { return KindBuffer }

func (b Buffer) appendTo(buf []byte) []byte {
	buf = append(buf, byte(KindBuffer))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// Array is an ordered sequence of values. Its length prefix counts elements,
// not bytes.
type Array []Value

// Kind implements part of the [Value] interface.
func (Array) Kind() Kind { return KindArray }

func (a Array) appendTo(buf []byte) []byte {
	buf = append(buf, byte(KindArray))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(a)))
	for _, v := range a {
		buf = v.appendTo(buf)
	}
	return buf
}

// Object is a value carried as JSON text.
type Object []byte

// Kind implements part of the [Value] interface.
func (Object) Kind() Kind { return KindObject }

func (o Object) appendTo(buf []byte) []byte {
	buf = append(buf, byte(KindObject))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(o)))
	return append(buf, o...)
}

// Decode unmarshals the JSON content of o into target.
func (o Object) Decode(target any) error { return json.Unmarshal([]byte(o), target) }

// JSON encodes v as an [Object] value. It panics if v cannot be marshaled;
// use [TryJSON] for values whose encodability is not statically known.
func JSON(v any) Object {
	o, err := TryJSON(v)
	if err != nil {
		panic(fmt.Errorf("encoding object value: %w", err))
	}
	return o
}

// TryJSON encodes v as an [Object] value, or reports an error if v cannot be
// marshaled as JSON.
func TryJSON(v any) (Object, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Object(data), nil
}

// encodeValue encodes v as a self-describing byte string.
func encodeValue(v Value) []byte { return v.appendTo(nil) }

// decodeValue decodes one value from the front of data and returns the
// remainder of the buffer.
func decodeValue(data []byte) (Value, []byte, error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("short value: missing kind tag")
	}
	kind, rest := Kind(data[0]), data[1:]
	if kind == KindUndefined {
		return Undefined{}, rest, nil
	}

	if len(rest) < 4 {
		return nil, nil, fmt.Errorf("short value: truncated %v length", kind)
	}
	size := binary.BigEndian.Uint32(rest)
	rest = rest[4:]

	if kind == KindArray {
		elts := make(Array, 0, min(int(size), 64))
		for range size {
			var elt Value
			var err error
			elt, rest, err = decodeValue(rest)
			if err != nil {
				return nil, nil, err
			}
			elts = append(elts, elt)
		}
		return elts, rest, nil
	}

	if uint32(len(rest)) < size {
		return nil, nil, fmt.Errorf("short value: %v content %d > %d bytes", kind, size, len(rest))
	}
	content, rest := rest[:size], rest[size:]
	switch kind {
	case KindString:
		return String(content), rest, nil
	case KindBinary:
		return Binary(content), rest, nil
	case KindBuffer:
		return Buffer(content), rest, nil
	case KindObject:
		return Object(content), rest, nil
	default:
		return nil, nil, fmt.Errorf("invalid value kind %d", byte(kind))
	}
}
