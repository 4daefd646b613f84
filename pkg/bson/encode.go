// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bson

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// EncodeValue returns the wire representation of a single Value, without any type tag or key.
func EncodeValue(v Value) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil value", ErrUnsupportedType)
	}
	return v.appendPayload(nil, 0)
}

// Marshal a Document into its BSON representation.
func Marshal(doc *Document) ([]byte, error) {
	return doc.appendPayload(nil, 0)
}

// AppendDocument appends the BSON representation of a Document to dst.
func AppendDocument(dst []byte, doc *Document) ([]byte, error) {
	return doc.appendPayload(dst, 0)
}

func appendInt32(dst []byte, n int32) []byte {
	return binary.LittleEndian.AppendUint32(dst, uint32(n))
}

func appendInt64(dst []byte, n int64) []byte {
	return binary.LittleEndian.AppendUint64(dst, uint64(n))
}

func appendCString(dst []byte, s string) ([]byte, error) {
	if strings.IndexByte(s, 0) >= 0 {
		return dst, fmt.Errorf("%w: cstring %q contains a NUL byte", ErrMalformedDocument, s)
	}
	dst = append(dst, s...)
	return append(dst, 0), nil
}

// appendElements writes a length prefixed and NUL terminated list of elements, the body of both documents and
// arrays. The key function names the i-th element.
func appendElements(dst []byte, n int, elem func(i int) (string, Value), depth int) ([]byte, error) {
	if depth > maxDepth {
		return dst, fmt.Errorf("%w: nesting exceeds %d levels", ErrUnsupportedType, maxDepth)
	}

	start := len(dst)
	dst = append(dst, 0, 0, 0, 0)

	for i := 0; i < n; i++ {
		key, v := elem(i)
		if v == nil {
			return dst, fmt.Errorf("%w: nil value for key %q", ErrUnsupportedType, key)
		}

		var err error
		dst = append(dst, byte(v.Type()))
		if dst, err = appendCString(dst, key); err != nil {
			return dst, err
		}
		if dst, err = v.appendPayload(dst, depth+1); err != nil {
			return dst, err
		}
	}

	dst = append(dst, 0)

	size := len(dst) - start
	if size > math.MaxInt32 {
		return dst, fmt.Errorf("%w: document of %d bytes exceeds int32", ErrUnsupportedType, size)
	}
	binary.LittleEndian.PutUint32(dst[start:], uint32(size))

	return dst, nil
}

func (d Double) appendPayload(dst []byte, _ int) ([]byte, error) {
	return binary.LittleEndian.AppendUint64(dst, math.Float64bits(float64(d))), nil
}

func (s String) appendPayload(dst []byte, _ int) ([]byte, error) {
	if len(s)+1 > math.MaxInt32 {
		return dst, fmt.Errorf("%w: string of %d bytes exceeds int32", ErrUnsupportedType, len(s))
	}
	dst = appendInt32(dst, int32(len(s)+1))
	dst = append(dst, s...)
	return append(dst, 0), nil
}

func (d *Document) appendPayload(dst []byte, depth int) ([]byte, error) {
	if d == nil {
		return appendElements(dst, 0, nil, depth)
	}
	return appendElements(dst, len(d.elems), func(i int) (string, Value) {
		return d.elems[i].Key, d.elems[i].Value
	}, depth)
}

func (a Array) appendPayload(dst []byte, depth int) ([]byte, error) {
	return appendElements(dst, len(a), func(i int) (string, Value) {
		return strconv.Itoa(i), a[i]
	}, depth)
}

func (b Binary) appendPayload(dst []byte, _ int) ([]byte, error) {
	if len(b.Data) > math.MaxInt32 {
		return dst, fmt.Errorf("%w: binary of %d bytes exceeds int32", ErrUnsupportedType, len(b.Data))
	}
	dst = appendInt32(dst, int32(len(b.Data)))
	dst = append(dst, b.Subtype)
	return append(dst, b.Data...), nil
}

func (id ObjectID) appendPayload(dst []byte, _ int) ([]byte, error) {
	return append(dst, id[:]...), nil
}

func (b Bool) appendPayload(dst []byte, _ int) ([]byte, error) {
	if b {
		return append(dst, 1), nil
	}
	return append(dst, 0), nil
}

func (dt DateTime) appendPayload(dst []byte, _ int) ([]byte, error) {
	return appendInt64(dst, int64(dt)), nil
}

func (Null) appendPayload(dst []byte, _ int) ([]byte, error) {
	return dst, nil
}

func (r Regex) appendPayload(dst []byte, _ int) (out []byte, err error) {
	if out, err = appendCString(dst, r.Pattern); err != nil {
		return
	}
	return appendCString(out, r.Options)
}

func (i Int32) appendPayload(dst []byte, _ int) ([]byte, error) {
	return appendInt32(dst, int32(i)), nil
}

func (ts Timestamp) appendPayload(dst []byte, _ int) ([]byte, error) {
	dst = binary.LittleEndian.AppendUint32(dst, ts.I)
	return binary.LittleEndian.AppendUint32(dst, ts.T), nil
}

func (i Int64) appendPayload(dst []byte, _ int) ([]byte, error) {
	return appendInt64(dst, int64(i)), nil
}

func (MinKey) appendPayload(dst []byte, _ int) ([]byte, error) {
	return dst, nil
}

func (MaxKey) appendPayload(dst []byte, _ int) ([]byte, error) {
	return dst, nil
}
