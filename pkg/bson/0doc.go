// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package bson implements the binary BSON format for documents, arrays and their typed values.
//
// Each BSON value kind is represented by its own Go type implementing the Value interface, e.g., String, Int32 or
// *Document. Encoding and decoding is dispatched by the one byte type tag preceding each element on the wire. All
// multi-byte numbers are little-endian, independent of the host's byte order.
//
// A Document keeps its elements in insertion order. Thus, decoding a well-formed document and encoding it again
// results in the very same bytes.
package bson

import "errors"

var (
	// ErrMalformedDocument is returned for structurally invalid BSON data, e.g., a declared length exceeding the
	// available bytes, a missing terminator or a string without its trailing NUL byte.
	ErrMalformedDocument = errors.New("malformed BSON document")

	// ErrUnsupportedType is returned when encoding a value without a BSON representation or when decoding an
	// unknown type tag.
	ErrUnsupportedType = errors.New("unsupported BSON type")
)

// maxDepth limits the nesting of documents and arrays, both for decoding and encoding.
const maxDepth = 100
