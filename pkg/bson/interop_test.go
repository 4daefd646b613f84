// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bson

import (
	"bytes"
	"testing"

	mbson "go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TestMongoInterop compares this codec against the MongoDB driver's encoder.
func TestMongoInterop(t *testing.T) {
	oid := ObjectID{0x50, 0x7f, 0x1f, 0x77, 0xbc, 0xf8, 0x6c, 0xd7, 0x99, 0x43, 0x90, 0x11}

	ours := NewDocument(
		Element{"double", Double(1.5)},
		Element{"string", String("foo")},
		Element{"doc", NewDocument(Element{"a", Int32(1)})},
		Element{"array", Array{String("x"), Int64(2)}},
		Element{"binary", Binary{Subtype: 0x00, Data: []byte("bin")}},
		Element{"oid", oid},
		Element{"bool", Bool(true)},
		Element{"date", DateTime(1616000000123)},
		Element{"null", Null{}},
		Element{"regex", Regex{Pattern: "^a", Options: "i"}},
		Element{"int32", Int32(-7)},
		Element{"timestamp", Timestamp{T: 100, I: 3}},
		Element{"int64", Int64(1 << 40)},
		Element{"min", MinKey{}},
		Element{"max", MaxKey{}},
	)

	theirs := mbson.D{
		{Key: "double", Value: 1.5},
		{Key: "string", Value: "foo"},
		{Key: "doc", Value: mbson.D{{Key: "a", Value: int32(1)}}},
		{Key: "array", Value: mbson.A{"x", int64(2)}},
		{Key: "binary", Value: primitive.Binary{Subtype: 0x00, Data: []byte("bin")}},
		{Key: "oid", Value: primitive.ObjectID(oid)},
		{Key: "bool", Value: true},
		{Key: "date", Value: primitive.DateTime(1616000000123)},
		{Key: "null", Value: primitive.Null{}},
		{Key: "regex", Value: primitive.Regex{Pattern: "^a", Options: "i"}},
		{Key: "int32", Value: int32(-7)},
		{Key: "timestamp", Value: primitive.Timestamp{T: 100, I: 3}},
		{Key: "int64", Value: int64(1 << 40)},
		{Key: "min", Value: primitive.MinKey{}},
		{Key: "max", Value: primitive.MaxKey{}},
	}

	oursData, err := Marshal(ours)
	if err != nil {
		t.Fatal(err)
	}
	theirsData, err := mbson.Marshal(theirs)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(oursData, theirsData) {
		t.Fatalf("encodings differ:\n%x\n%x", oursData, theirsData)
	}

	decoded, err := Unmarshal(theirsData)
	if err != nil {
		t.Fatal(err)
	}
	if reencoded, err := Marshal(decoded); err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(reencoded, theirsData) {
		t.Fatalf("re-encoding the driver's document differs")
	}
}
