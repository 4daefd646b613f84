// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bson

import (
	"encoding/hex"
	"fmt"
	"time"
)

// Type is the one byte type tag of a BSON element.
type Type byte

const (
	TypeDouble    Type = 0x01
	TypeString    Type = 0x02
	TypeDocument  Type = 0x03
	TypeArray     Type = 0x04
	TypeBinary    Type = 0x05
	TypeObjectID  Type = 0x07
	TypeBool      Type = 0x08
	TypeDateTime  Type = 0x09
	TypeNull      Type = 0x0A
	TypeRegex     Type = 0x0B
	TypeInt32     Type = 0x10
	TypeTimestamp Type = 0x11
	TypeInt64     Type = 0x12
	TypeMaxKey    Type = 0x7F
	TypeMinKey    Type = 0xFF
)

func (t Type) String() string {
	switch t {
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeDocument:
		return "document"
	case TypeArray:
		return "array"
	case TypeBinary:
		return "binary"
	case TypeObjectID:
		return "objectId"
	case TypeBool:
		return "bool"
	case TypeDateTime:
		return "datetime"
	case TypeNull:
		return "null"
	case TypeRegex:
		return "regex"
	case TypeInt32:
		return "int32"
	case TypeTimestamp:
		return "timestamp"
	case TypeInt64:
		return "int64"
	case TypeMaxKey:
		return "maxKey"
	case TypeMinKey:
		return "minKey"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// Value is one of the BSON value kinds defined in this package.
type Value interface {
	// Type tag of this Value.
	Type() Type

	// appendPayload appends the wire representation, excluding type tag and key, to dst.
	appendPayload(dst []byte, depth int) ([]byte, error)
}

// Double is a 64-bit IEEE 754 floating point number.
type Double float64

// String is an UTF-8 string.
type String string

// Array is an ordered list of Values, encoded as a Document with the keys "0", "1", ...
type Array []Value

// Binary is a byte string together with its subtype.
type Binary struct {
	Subtype byte
	Data    []byte
}

// ObjectID is a 12 byte object identifier.
type ObjectID [12]byte

func (id ObjectID) String() string {
	return fmt.Sprintf("ObjectID(%s)", hex.EncodeToString(id[:]))
}

// Bool is a boolean value.
type Bool bool

// DateTime is a UTC timestamp in milliseconds since the Unix epoch.
type DateTime int64

// NewDateTime converts a time.Time with millisecond precision.
func NewDateTime(t time.Time) DateTime {
	return DateTime(t.UnixNano() / int64(time.Millisecond))
}

// Time returns the DateTime as a time.Time in UTC.
func (dt DateTime) Time() time.Time {
	return time.Unix(int64(dt)/1000, int64(dt)%1000*int64(time.Millisecond)).UTC()
}

// Null is the BSON null value.
type Null struct{}

// Regex is a regular expression pattern with its option flags.
type Regex struct {
	Pattern string
	Options string
}

// Int32 is a signed 32-bit integer.
type Int32 int32

// Timestamp is the special internal BSON timestamp, an increment I and seconds T.
type Timestamp struct {
	T uint32
	I uint32
}

// Int64 is a signed 64-bit integer.
type Int64 int64

// MinKey compares lower than all other BSON values.
type MinKey struct{}

// MaxKey compares higher than all other BSON values.
type MaxKey struct{}

func (Double) Type() Type    { return TypeDouble }
func (String) Type() Type    { return TypeString }
func (Array) Type() Type     { return TypeArray }
func (Binary) Type() Type    { return TypeBinary }
func (ObjectID) Type() Type  { return TypeObjectID }
func (Bool) Type() Type      { return TypeBool }
func (DateTime) Type() Type  { return TypeDateTime }
func (Null) Type() Type      { return TypeNull }
func (Regex) Type() Type     { return TypeRegex }
func (Int32) Type() Type     { return TypeInt32 }
func (Timestamp) Type() Type { return TypeTimestamp }
func (Int64) Type() Type     { return TypeInt64 }
func (MinKey) Type() Type    { return TypeMinKey }
func (MaxKey) Type() Type    { return TypeMaxKey }
