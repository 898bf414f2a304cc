// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

// Package encode writes query results as JSON. Timestamps, dates and
// durations are written in ISO-8601, arbitrary precision decimals as floats
// and vector-like values as lists.
package encode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/shopspring/decimal"
)

// Encoder turns a result into its serialized form.
type Encoder interface {
	Encode(v any) ([]byte, error)
}

// JSON is the default Encoder.
type JSON struct {
	// Indent, if set, is used to indent nested values.
	Indent string
}

// Encode normalizes v with Value and marshals it.
func (e JSON) Encode(v any) ([]byte, error) {
	if e.Indent != "" {
		return json.MarshalIndent(Value(v), "", e.Indent)
	}
	return json.Marshal(Value(v))
}

// Date is a calendar date without a time of day.
type Date struct {
	time.Time
}

// MarshalJSON writes the date as YYYY-MM-DD.
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Format(time.DateOnly))
}

// Scalar returns the JSON representation of a single scalar value. Values
// that encoding/json already writes correctly are returned unchanged.
func Scalar(v any) any {
	switch v := v.(type) {
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case *time.Time:
		if v == nil {
			return nil
		}
		return v.Format(time.RFC3339Nano)
	case Date:
		return v.Format(time.DateOnly)
	case time.Duration:
		return Clock(v)
	case decimal.Decimal:
		return v.InexactFloat64()
	case *decimal.Decimal:
		if v == nil {
			return nil
		}
		return v.InexactFloat64()
	case decimal.NullDecimal:
		if !v.Valid {
			return nil
		}
		return v.Decimal.InexactFloat64()
	}
	return v
}

// Value normalizes v for encoding/json, descending into maps and slices.
// Values implementing json.Marshaler are left to marshal themselves.
func Value(v any) any {
	switch tv := v.(type) {
	case nil:
		return nil
	case map[string]any:
		out := make(map[string]any, len(tv))
		for k, e := range tv {
			out[k] = Value(e)
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = Value(e)
		}
		return out
	case []byte:
		return tv
	}
	s := Scalar(v)
	if _, ok := s.(json.Marshaler); ok {
		return s
	}
	rv := reflect.ValueOf(s)
	if (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Type().Elem().Kind() != reflect.Uint8 {
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = Value(rv.Index(i).Interface())
		}
		return out
	}
	return s
}

// Object writes a JSON object with the keys in the given order.
func Object(keys []string, values map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i != 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(Value(values[k]))
		if err != nil {
			return nil, fmt.Errorf("cannot encode %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Clock formats a duration as a time of day, HH:MM:SS with a fractional
// microsecond part when there is one. Durations of a day or more wrap around.
func Clock(d time.Duration) string {
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	d %= 24 * time.Hour
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	us := (d % time.Second) / time.Microsecond
	if us != 0 {
		return fmt.Sprintf("%s%02d:%02d:%02d.%06d", sign, h, m, s, us)
	}
	return fmt.Sprintf("%s%02d:%02d:%02d", sign, h, m, s)
}
