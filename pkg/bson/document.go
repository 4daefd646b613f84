// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bson

import (
	"fmt"
	"strings"
)

// Element is a single key-value pair of a Document.
type Element struct {
	Key   string
	Value Value
}

// Document is an ordered sequence of uniquely keyed Values.
type Document struct {
	elems []Element
	index map[string]int
}

// NewDocument creates a Document from the given elements. A repeated key replaces the former value.
func NewDocument(elems ...Element) *Document {
	doc := &Document{}
	for _, e := range elems {
		doc.Set(e.Key, e.Value)
	}
	return doc
}

// Type tag of a Document.
func (*Document) Type() Type { return TypeDocument }

// Set a key's Value. An existing key keeps its position; a new key is appended.
func (d *Document) Set(key string, v Value) *Document {
	if i, ok := d.index[key]; ok {
		d.elems[i].Value = v
		return d
	}

	if d.index == nil {
		d.index = make(map[string]int)
	}
	d.index[key] = len(d.elems)
	d.elems = append(d.elems, Element{Key: key, Value: v})
	return d
}

// Get a key's Value.
func (d *Document) Get(key string) (v Value, ok bool) {
	if d == nil {
		return
	}
	if i, exists := d.index[key]; exists {
		v, ok = d.elems[i].Value, true
	}
	return
}

// Has checks if this Document contains the key.
func (d *Document) Has(key string) bool {
	_, ok := d.Get(key)
	return ok
}

// Delete a key and its Value. The return value indicates if the key was present.
func (d *Document) Delete(key string) bool {
	if d == nil {
		return false
	}

	i, ok := d.index[key]
	if !ok {
		return false
	}

	d.elems = append(d.elems[:i], d.elems[i+1:]...)
	delete(d.index, key)
	for j := i; j < len(d.elems); j++ {
		d.index[d.elems[j].Key] = j
	}
	if len(d.elems) == 0 {
		d.elems, d.index = nil, nil
	}
	return true
}

// Len is the amount of elements.
func (d *Document) Len() int {
	if d == nil {
		return 0
	}
	return len(d.elems)
}

// Keys in their order.
func (d *Document) Keys() []string {
	keys := make([]string, 0, d.Len())
	for _, e := range d.Elements() {
		keys = append(keys, e.Key)
	}
	return keys
}

// Elements returns a copy of this Document's elements in their order.
func (d *Document) Elements() []Element {
	if d == nil {
		return nil
	}
	return append([]Element(nil), d.elems...)
}

// Clone this Document. Nested Documents and Arrays are cloned as well.
func (d *Document) Clone() *Document {
	clone := NewDocument()
	for _, e := range d.Elements() {
		clone.Set(e.Key, cloneValue(e.Value))
	}
	return clone
}

func cloneValue(v Value) Value {
	switch v := v.(type) {
	case *Document:
		return v.Clone()
	case Array:
		arr := make(Array, len(v))
		for i := range v {
			arr[i] = cloneValue(v[i])
		}
		return arr
	case Binary:
		return Binary{Subtype: v.Subtype, Data: append([]byte(nil), v.Data...)}
	default:
		return v
	}
}

// Map converts this Document into a map of native Go values, see Interface.
func (d *Document) Map() map[string]interface{} {
	m := make(map[string]interface{}, d.Len())
	for _, e := range d.Elements() {
		m[e.Key] = Interface(e.Value)
	}
	return m
}

func (d *Document) String() string {
	var b strings.Builder
	writeValue(&b, d)
	return b.String()
}

func writeValue(b *strings.Builder, v Value) {
	switch v := v.(type) {
	case *Document:
		b.WriteByte('{')
		for i, e := range v.Elements() {
			if i > 0 {
				b.WriteString(", ")
			}
			_, _ = fmt.Fprintf(b, "%q: ", e.Key)
			writeValue(b, e.Value)
		}
		b.WriteByte('}')

	case Array:
		b.WriteByte('[')
		for i := range v {
			if i > 0 {
				b.WriteString(", ")
			}
			writeValue(b, v[i])
		}
		b.WriteByte(']')

	case String:
		_, _ = fmt.Fprintf(b, "%q", string(v))

	case Binary:
		_, _ = fmt.Fprintf(b, "Binary(%d, %x)", v.Subtype, v.Data)

	case DateTime:
		b.WriteString(v.Time().Format("2006-01-02T15:04:05.000Z07:00"))

	case Null:
		b.WriteString("null")

	case Regex:
		_, _ = fmt.Fprintf(b, "/%s/%s", v.Pattern, v.Options)

	case Timestamp:
		_, _ = fmt.Fprintf(b, "Timestamp(%d, %d)", v.T, v.I)

	case MinKey:
		b.WriteString("MinKey")

	case MaxKey:
		b.WriteString("MaxKey")

	default:
		_, _ = fmt.Fprintf(b, "%v", v)
	}
}
