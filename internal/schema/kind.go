// Copyright 2024 Canonical Ltd.
// Licensed under Apache 2.0, see LICENCE file for details.

package schema

import (
	"database/sql"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"

	"github.com/canonical/jsonquery/internal/encode"
)

// Kind is the type family of a field. It decides how values read from the
// database are decoded.
type Kind int

const (
	Unknown Kind = iota
	Int
	Float
	String
	Bool
	Time
	Date
	Duration
	Decimal
	Bytes
)

var kindNames = map[Kind]string{
	Unknown:  "unknown",
	Int:      "int",
	Float:    "float",
	String:   "string",
	Bool:     "bool",
	Time:     "time",
	Date:     "date",
	Duration: "duration",
	Decimal:  "decimal",
	Bytes:    "bytes",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// kindAliases maps the type names accepted in definitions to kinds.
var kindAliases = map[string]Kind{
	"int":       Int,
	"integer":   Int,
	"bigint":    Int,
	"float":     Float,
	"real":      Float,
	"double":    Float,
	"string":    String,
	"text":      String,
	"varchar":   String,
	"bool":      Bool,
	"boolean":   Bool,
	"time":      Time,
	"datetime":  Time,
	"timestamp": Time,
	"date":      Date,
	"duration":  Duration,
	"interval":  Duration,
	"decimal":   Decimal,
	"numeric":   Decimal,
	"bytes":     Bytes,
	"blob":      Bytes,
	"any":       Unknown,
	"":          Unknown,
}

// ParseKind returns the kind named by a definition type name.
func ParseKind(name string) (Kind, error) {
	k, ok := kindAliases[strings.ToLower(name)]
	if !ok {
		return Unknown, errors.Newf("unknown field type %q", name)
	}
	return k, nil
}

var (
	timeType     = reflect.TypeOf(time.Time{})
	durationType = reflect.TypeOf(time.Duration(0))
	decimalType  = reflect.TypeOf(decimal.Decimal{})
	nullDecType  = reflect.TypeOf(decimal.NullDecimal{})
	nullTimeType = reflect.TypeOf(sql.NullTime{})
	nullStrType  = reflect.TypeOf(sql.NullString{})
	nullIntType  = reflect.TypeOf(sql.NullInt64{})
	nullI32Type  = reflect.TypeOf(sql.NullInt32{})
	nullFltType  = reflect.TypeOf(sql.NullFloat64{})
	nullBoolType = reflect.TypeOf(sql.NullBool{})
)

// kindOf returns the kind of a Go struct field type.
func kindOf(t reflect.Type) Kind {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t {
	case timeType, nullTimeType:
		return Time
	case durationType:
		return Duration
	case decimalType, nullDecType:
		return Decimal
	case nullStrType:
		return String
	case nullIntType, nullI32Type:
		return Int
	case nullFltType:
		return Float
	case nullBoolType:
		return Bool
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Int
	case reflect.Float32, reflect.Float64:
		return Float
	case reflect.String:
		return String
	case reflect.Bool:
		return Bool
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return Bytes
		}
	}
	return Unknown
}

// timeLayouts are the textual timestamp formats drivers hand back when the
// column is not typed as a timestamp, SQLite in particular.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
	time.DateOnly,
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse %q as a timestamp", s)
}

// parseClock parses a duration written as HH:MM:SS[.ffffff], as databases
// print intervals, falling back to Go's duration syntax.
func parseClock(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return time.ParseDuration(s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	sec, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec*float64(time.Second)), nil
}

// Decode converts a value scanned from the database into the Go value used
// for the field's kind. Values the kind does not know how to convert are
// returned unchanged.
func (f Field) Decode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	text, isText := asText(v)
	switch f.Kind {
	case String:
		if isText {
			return text, nil
		}
	case Int:
		switch v := v.(type) {
		case int64:
			return v, nil
		case float64:
			return int64(v), nil
		}
		if isText {
			return strconv.ParseInt(text, 10, 64)
		}
	case Float:
		switch v := v.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		}
		if isText {
			return strconv.ParseFloat(text, 64)
		}
	case Bool:
		switch v := v.(type) {
		case bool:
			return v, nil
		case int64:
			return v != 0, nil
		}
		if isText {
			return strconv.ParseBool(text)
		}
	case Time, Date:
		var t time.Time
		switch tv := v.(type) {
		case time.Time:
			t = tv
		default:
			if !isText {
				return v, nil
			}
			var err error
			if t, err = parseTime(text); err != nil {
				return nil, err
			}
		}
		if f.Kind == Date {
			return encode.Date{Time: t}, nil
		}
		return t, nil
	case Duration:
		switch v := v.(type) {
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		}
		if isText {
			return parseClock(text)
		}
	case Decimal:
		switch v := v.(type) {
		case float64:
			return decimal.NewFromFloat(v), nil
		case int64:
			return decimal.NewFromInt(v), nil
		}
		if isText {
			return decimal.NewFromString(text)
		}
	case Unknown:
		if b, ok := v.([]byte); ok {
			return string(b), nil
		}
	}
	return v, nil
}

func asText(v any) (string, bool) {
	switch v := v.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	}
	return "", false
}
