// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bson

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// decodeFunc decodes a Value's payload from the start of data and returns the amount of consumed bytes.
type decodeFunc func(data []byte, depth int) (Value, int, error)

// decoders maps each supported type tag to its payload decoder.
var decoders map[Type]decodeFunc

func init() {
	decoders = map[Type]decodeFunc{
		TypeDouble:    decodeDouble,
		TypeString:    decodeString,
		TypeDocument:  func(data []byte, depth int) (Value, int, error) { return decodeDocument(data, depth) },
		TypeArray:     decodeArray,
		TypeBinary:    decodeBinary,
		TypeObjectID:  decodeObjectID,
		TypeBool:      decodeBool,
		TypeDateTime:  fixed(8, func(b []byte) Value { return DateTime(int64(binary.LittleEndian.Uint64(b))) }),
		TypeNull:      fixed(0, func([]byte) Value { return Null{} }),
		TypeRegex:     decodeRegex,
		TypeInt32:     fixed(4, func(b []byte) Value { return Int32(int32(binary.LittleEndian.Uint32(b))) }),
		TypeTimestamp: decodeTimestamp,
		TypeInt64:     fixed(8, func(b []byte) Value { return Int64(int64(binary.LittleEndian.Uint64(b))) }),
		TypeMinKey:    fixed(0, func([]byte) Value { return MinKey{} }),
		TypeMaxKey:    fixed(0, func([]byte) Value { return MaxKey{} }),
	}
}

// DecodeValue decodes a Value of the given type, starting at offset within data. The amount of consumed bytes is
// returned next to the Value.
func DecodeValue(t Type, data []byte, offset int) (Value, int, error) {
	if offset < 0 || offset > len(data) {
		return nil, 0, fmt.Errorf("%w: offset %d out of range", ErrMalformedDocument, offset)
	}

	dec, ok := decoders[t]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %w: type tag 0x%02x", ErrUnsupportedType, ErrMalformedDocument, byte(t))
	}
	return dec(data[offset:], 0)
}

// Unmarshal a Document from its BSON representation. The document's declared length must match the data's length.
func Unmarshal(data []byte) (*Document, error) {
	doc, n, err := decodeDocument(data, 0)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes after document", ErrMalformedDocument, len(data)-n)
	}
	return doc, nil
}

// DecodeDocument decodes a Document starting at offset within data and returns the amount of consumed bytes.
func DecodeDocument(data []byte, offset int) (*Document, int, error) {
	if offset < 0 || offset > len(data) {
		return nil, 0, fmt.Errorf("%w: offset %d out of range", ErrMalformedDocument, offset)
	}
	return decodeDocument(data[offset:], 0)
}

// fixed creates a decodeFunc for payloads of a constant size.
func fixed(size int, f func([]byte) Value) decodeFunc {
	return func(data []byte, _ int) (Value, int, error) {
		if len(data) < size {
			return nil, 0, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedDocument, size, len(data))
		}
		return f(data[:size]), size, nil
	}
}

func readInt32(data []byte) (int, error) {
	if len(data) < 4 {
		return 0, fmt.Errorf("%w: expected int32 length, got %d bytes", ErrMalformedDocument, len(data))
	}
	return int(int32(binary.LittleEndian.Uint32(data))), nil
}

func readCString(data []byte) (string, int, error) {
	i := bytes.IndexByte(data, 0)
	if i < 0 {
		return "", 0, fmt.Errorf("%w: unterminated cstring", ErrMalformedDocument)
	}
	return string(data[:i]), i + 1, nil
}

// elementFunc is called for each decoded element of a document's body.
type elementFunc func(key string, v Value) error

// decodeElements parses a length prefixed and NUL terminated list of elements.
func decodeElements(data []byte, depth int, f elementFunc) (int, error) {
	if depth > maxDepth {
		return 0, fmt.Errorf("%w: nesting exceeds %d levels", ErrMalformedDocument, maxDepth)
	}

	size, err := readInt32(data)
	if err != nil {
		return 0, err
	}
	if size < 5 {
		return 0, fmt.Errorf("%w: declared length %d is too small", ErrMalformedDocument, size)
	}
	if size > len(data) {
		return 0, fmt.Errorf("%w: declared length %d exceeds %d available bytes", ErrMalformedDocument, size, len(data))
	}
	if data[size-1] != 0x00 {
		return 0, fmt.Errorf("%w: missing terminator", ErrMalformedDocument)
	}

	body := data[4 : size-1]
	for pos := 0; pos < len(body); {
		t := Type(body[pos])
		pos++

		key, kn, err := readCString(body[pos:])
		if err != nil {
			return 0, err
		}
		pos += kn

		dec, ok := decoders[t]
		if !ok {
			return 0, fmt.Errorf("%w: %w: type tag 0x%02x for key %q", ErrMalformedDocument, ErrUnsupportedType, byte(t), key)
		}

		v, vn, err := dec(body[pos:], depth+1)
		if err != nil {
			return 0, fmt.Errorf("decoding %s value for key %q: %w", t, key, err)
		}
		pos += vn

		if err := f(key, v); err != nil {
			return 0, err
		}
	}

	return size, nil
}

func decodeDocument(data []byte, depth int) (*Document, int, error) {
	doc := NewDocument()
	n, err := decodeElements(data, depth, func(key string, v Value) error {
		if _, exists := doc.index[key]; exists {
			return fmt.Errorf("%w: duplicate key %q", ErrMalformedDocument, key)
		}
		doc.Set(key, v)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return doc, n, nil
}

func decodeArray(data []byte, depth int) (Value, int, error) {
	var arr Array
	n, err := decodeElements(data, depth, func(key string, v Value) error {
		if key != strconv.Itoa(len(arr)) {
			return fmt.Errorf("%w: array key %q at index %d", ErrMalformedDocument, key, len(arr))
		}
		arr = append(arr, v)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return arr, n, nil
}

func decodeDouble(data []byte, _ int) (Value, int, error) {
	if len(data) < 8 {
		return nil, 0, fmt.Errorf("%w: expected 8 bytes for double, got %d", ErrMalformedDocument, len(data))
	}
	return Double(math.Float64frombits(binary.LittleEndian.Uint64(data))), 8, nil
}

func decodeString(data []byte, _ int) (Value, int, error) {
	l, err := readInt32(data)
	if err != nil {
		return nil, 0, err
	}
	if l < 1 || l > len(data)-4 {
		return nil, 0, fmt.Errorf("%w: string length %d with %d available bytes", ErrMalformedDocument, l, len(data)-4)
	}
	if data[4+l-1] != 0x00 {
		return nil, 0, fmt.Errorf("%w: string is not NUL-terminated", ErrMalformedDocument)
	}
	return String(data[4 : 4+l-1]), 4 + l, nil
}

func decodeBinary(data []byte, _ int) (Value, int, error) {
	l, err := readInt32(data)
	if err != nil {
		return nil, 0, err
	}
	if l < 0 || l > len(data)-5 {
		return nil, 0, fmt.Errorf("%w: binary length %d with %d available bytes", ErrMalformedDocument, l, len(data)-5)
	}
	return Binary{
		Subtype: data[4],
		Data:    append([]byte(nil), data[5:5+l]...),
	}, 5 + l, nil
}

func decodeObjectID(data []byte, _ int) (Value, int, error) {
	var id ObjectID
	if len(data) < len(id) {
		return nil, 0, fmt.Errorf("%w: expected %d bytes for objectId, got %d", ErrMalformedDocument, len(id), len(data))
	}
	copy(id[:], data)
	return id, len(id), nil
}

func decodeBool(data []byte, _ int) (Value, int, error) {
	if len(data) < 1 {
		return nil, 0, fmt.Errorf("%w: expected 1 byte for bool", ErrMalformedDocument)
	}
	switch data[0] {
	case 0x00:
		return Bool(false), 1, nil
	case 0x01:
		return Bool(true), 1, nil
	default:
		return nil, 0, fmt.Errorf("%w: invalid bool byte 0x%02x", ErrMalformedDocument, data[0])
	}
}

func decodeRegex(data []byte, _ int) (Value, int, error) {
	pattern, pn, err := readCString(data)
	if err != nil {
		return nil, 0, err
	}
	options, on, err := readCString(data[pn:])
	if err != nil {
		return nil, 0, err
	}
	return Regex{Pattern: pattern, Options: options}, pn + on, nil
}

func decodeTimestamp(data []byte, _ int) (Value, int, error) {
	if len(data) < 8 {
		return nil, 0, fmt.Errorf("%w: expected 8 bytes for timestamp, got %d", ErrMalformedDocument, len(data))
	}
	return Timestamp{
		I: binary.LittleEndian.Uint32(data[0:4]),
		T: binary.LittleEndian.Uint32(data[4:8]),
	}, 8, nil
}
