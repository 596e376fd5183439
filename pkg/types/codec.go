package types

import (
	"bytes"
	"encoding/json"
	"math"
	"reflect"
)

// DecodeJSON unmarshals a persisted record into v. Numbers inside open-ended
// maps and lists decode as int when integral and float64 otherwise, so a
// record reads back the same from every backend.
func DecodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	normalizeValue(reflect.ValueOf(v))
	return nil
}

// Canonical returns a copy of v as it would read back after being persisted.
func Canonical[T any](v *T) (*T, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := DecodeJSON(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeValue(v reflect.Value) {
	switch v.Kind() {
	case reflect.Pointer:
		if !v.IsNil() {
			normalizeValue(v.Elem())
		}
	case reflect.Struct:
		t := v.Type()
		for i := range v.NumField() {
			if t.Field(i).IsExported() {
				normalizeValue(v.Field(i))
			}
		}
	case reflect.Slice:
		for i := range v.Len() {
			normalizeValue(v.Index(i))
		}
	case reflect.Map:
		if m, ok := v.Interface().(map[string]any); ok {
			for k, x := range m {
				m[k] = normalizeNumber(x)
			}
		}
	case reflect.Interface:
		if !v.IsNil() && v.CanSet() {
			v.Set(reflect.ValueOf(normalizeNumber(v.Interface())))
		}
	}
}

func normalizeNumber(x any) any {
	switch t := x.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil && i >= math.MinInt && i <= math.MaxInt {
			return int(i)
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, v := range t {
			t[k] = normalizeNumber(v)
		}
	case []any:
		for i, v := range t {
			t[i] = normalizeNumber(v)
		}
	}
	return x
}
