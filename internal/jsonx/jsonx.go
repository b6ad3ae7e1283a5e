// Package jsonx holds jx helpers shared by the HTTP handlers and the gateway
// client: free-form values, lenient timestamps and decimals.
package jsonx

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// DecodeAny decodes an arbitrary JSON value into nil, bool, string, float64,
// []any or map[string]any.
func DecodeAny(d *jx.Decoder) (any, error) {
	switch d.Next() {
	case jx.Null:
		return nil, d.Null()
	case jx.Bool:
		return d.Bool()
	case jx.String:
		return d.Str()
	case jx.Number:
		return d.Float64()
	case jx.Array:
		out := []any{}
		err := d.Arr(func(d *jx.Decoder) error {
			v, err := DecodeAny(d)
			if err != nil {
				return err
			}
			out = append(out, v)
			return nil
		})
		return out, err
	case jx.Object:
		return DecodeObject(d)
	default:
		return nil, errors.New("unexpected json value")
	}
}

// DecodeObject decodes a JSON object into a map. A null decodes to a nil map.
func DecodeObject(d *jx.Decoder) (map[string]any, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	out := map[string]any{}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		v, err := DecodeAny(d)
		if err != nil {
			return errors.Wrapf(err, "field %q", key)
		}
		out[key] = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EncodeAny writes a value produced by DecodeAny, or any of the common Go
// scalar types. Unknown types are written as null. Object keys are sorted.
func EncodeAny(e *jx.Encoder, v any) {
	switch v := v.(type) {
	case nil:
		e.Null()
	case bool:
		e.Bool(v)
	case string:
		e.Str(v)
	case int:
		e.Int(v)
	case int64:
		e.Int64(v)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			e.Null()
			return
		}
		e.Float64(v)
	case time.Time:
		e.Str(v.UTC().Format(time.RFC3339))
	case decimal.Decimal:
		e.Raw([]byte(v.String()))
	case []string:
		e.ArrStart()
		for _, s := range v {
			e.Str(s)
		}
		e.ArrEnd()
	case []any:
		e.ArrStart()
		for _, item := range v {
			EncodeAny(e, item)
		}
		e.ArrEnd()
	case map[string]any:
		EncodeObject(e, v)
	default:
		e.Null()
	}
}

// EncodeObject writes m as a JSON object with sorted keys. A nil map is null.
func EncodeObject(e *jx.Encoder, m map[string]any) {
	if m == nil {
		e.Null()
		return
	}
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)

	e.ObjStart()
	for _, k := range names {
		e.FieldStart(k)
		EncodeAny(e, m[k])
	}
	e.ObjEnd()
}

// DecodeStrings decodes an array of strings. Null decodes to nil.
func DecodeStrings(d *jx.Decoder) ([]string, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	out := []string{}
	err := d.Arr(func(d *jx.Decoder) error {
		s, err := d.Str()
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

// DecodeTime accepts null, a unix timestamp in seconds (integer or
// fractional) or an RFC 3339 string.
func DecodeTime(d *jx.Decoder) (*time.Time, error) {
	switch d.Next() {
	case jx.Null:
		return nil, d.Null()
	case jx.Number:
		f, err := d.Float64()
		if err != nil {
			return nil, err
		}
		sec, frac := math.Modf(f)
		t := time.Unix(int64(sec), int64(frac*1e9)).UTC()
		return &t, nil
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return nil, err
		}
		if s == "" {
			return nil, nil
		}
		t, err := parseTime(s)
		if err != nil {
			return nil, err
		}
		return &t, nil
	default:
		return nil, errors.New("timestamp must be a number or a string")
	}
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	// Naive ISO 8601 without zone, as emitted by some Python services.
	if t, err := time.Parse("2006-01-02T15:04:05.999999999", s); err == nil {
		return t.UTC(), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}
	return time.Time{}, errors.Errorf("invalid timestamp %q", s)
}

// DecodeDecimal accepts null, a number or a numeric string.
func DecodeDecimal(d *jx.Decoder) (decimal.NullDecimal, error) {
	switch d.Next() {
	case jx.Null:
		return decimal.NullDecimal{}, d.Null()
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.NullDecimal{}, err
		}
		v, err := decimal.NewFromString(string(n))
		if err != nil {
			return decimal.NullDecimal{}, err
		}
		return decimal.NewNullDecimal(v), nil
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.NullDecimal{}, err
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.NullDecimal{}, err
		}
		return decimal.NewNullDecimal(v), nil
	default:
		return decimal.NullDecimal{}, errors.New("decimal must be a number or a string")
	}
}
