// SPDX-FileCopyrightText: 2021 The bsonnet Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bson

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"
)

// FromGo converts a native Go value into a Value.
//
// Integers are stored as Int32 if they fit, otherwise as Int64. Maps need string keys, which are sorted to result in
// a deterministic order. A json.Number becomes an integer if possible and a Double otherwise. Unsupported kinds, e.g.,
// channels or functions, result in an ErrUnsupportedType.
func FromGo(v interface{}) (Value, error) {
	switch v := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return v, nil
	case bool:
		return Bool(v), nil
	case string:
		return String(v), nil
	case []byte:
		return Binary{Data: append([]byte(nil), v...)}, nil
	case float32:
		return Double(v), nil
	case float64:
		return Double(v), nil
	case time.Time:
		return NewDateTime(v), nil
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return fromInt(n), nil
		} else if f, err := v.Float64(); err == nil {
			return Double(f), nil
		} else {
			return nil, fmt.Errorf("%w: json.Number %q", ErrUnsupportedType, v)
		}
	case map[string]interface{}:
		return FromMap(v)
	case []interface{}:
		arr := make(Array, len(v))
		for i := range v {
			elem, err := FromGo(v[i])
			if err != nil {
				return nil, fmt.Errorf("array index %d: %w", i, err)
			}
			arr[i] = elem
		}
		return arr, nil
	}

	return fromReflect(reflect.ValueOf(v))
}

func fromInt(n int64) Value {
	if n >= math.MinInt32 && n <= math.MaxInt32 {
		return Int32(n)
	}
	return Int64(n)
}

func fromReflect(rv reflect.Value) (Value, error) {
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return fromInt(rv.Int()), nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if n := rv.Uint(); n <= math.MaxInt64 {
			return fromInt(int64(n)), nil
		}
		return nil, fmt.Errorf("%w: %d overflows int64", ErrUnsupportedType, rv.Uint())

	case reflect.Slice, reflect.Array:
		arr := make(Array, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			elem, err := FromGo(rv.Index(i).Interface())
			if err != nil {
				return nil, fmt.Errorf("array index %d: %w", i, err)
			}
			arr[i] = elem
		}
		return arr, nil

	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: map key type %v", ErrUnsupportedType, rv.Type().Key())
		}
		m := make(map[string]interface{}, rv.Len())
		for it := rv.MapRange(); it.Next(); {
			m[it.Key().String()] = it.Value().Interface()
		}
		return FromMap(m)

	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return Null{}, nil
		}
		return FromGo(rv.Elem().Interface())

	case reflect.Bool:
		return Bool(rv.Bool()), nil

	case reflect.String:
		return String(rv.String()), nil

	case reflect.Float32, reflect.Float64:
		return Double(rv.Float()), nil

	default:
		if !rv.IsValid() {
			return Null{}, nil
		}
		return nil, fmt.Errorf("%w: Go type %v", ErrUnsupportedType, rv.Type())
	}
}

// FromMap converts a map into a Document with sorted keys, see FromGo.
func FromMap(m map[string]interface{}) (*Document, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	doc := NewDocument()
	for _, k := range keys {
		v, err := FromGo(m[k])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		doc.Set(k, v)
	}
	return doc, nil
}

// Interface converts a Value back into a native Go value.
//
// Documents become map[string]interface{}, Arrays []interface{}, generic Binary data []byte, DateTime time.Time and
// Null nil. All other kinds are returned as their basic Go type, e.g., int32 for Int32, or as themselves.
func Interface(v Value) interface{} {
	switch v := v.(type) {
	case Double:
		return float64(v)
	case String:
		return string(v)
	case *Document:
		return v.Map()
	case Array:
		arr := make([]interface{}, len(v))
		for i := range v {
			arr[i] = Interface(v[i])
		}
		return arr
	case Binary:
		if v.Subtype == 0x00 {
			return v.Data
		}
		return v
	case Bool:
		return bool(v)
	case DateTime:
		return v.Time()
	case Null, nil:
		return nil
	case Int32:
		return int32(v)
	case Int64:
		return int64(v)
	default:
		return v
	}
}
