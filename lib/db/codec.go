package db

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// --------------------------------------------------------------------------
// BSON Row Codec
// --------------------------------------------------------------------------

// wireValue is the tagged BSON representation of a normalized value. BSON has
// no native link or nanosecond date type, so every value carries its kind.
type wireValue struct {
	K uint8                `bson:"k"`
	I int64                `bson:"i,omitempty"`
	F float64              `bson:"f,omitempty"`
	S string               `bson:"s,omitempty"`
	B []byte               `bson:"b,omitempty"`
	L []wireValue          `bson:"l,omitempty"`
	M map[string]wireValue `bson:"m,omitempty"`
}

type wireRow struct {
	Fields map[string]wireValue `bson:"f"`
}

func toWire(v any) (wireValue, error) {
	kind := KindOf(v)
	w := wireValue{K: uint8(kind)}
	switch x := v.(type) {
	case nil:
	case bool:
		if x {
			w.I = 1
		}
	case int64:
		w.I = x
	case float64:
		w.F = x
	case string:
		w.S = x
	case []byte:
		w.B = x
	case time.Time:
		w.I = x.UnixNano()
	case Link:
		w.I = int64(x)
	case []any:
		w.L = make([]wireValue, len(x))
		for i, e := range x {
			ew, err := toWire(e)
			if err != nil {
				return w, err
			}
			w.L[i] = ew
		}
	case map[string]any:
		w.M = make(map[string]wireValue, len(x))
		for k, e := range x {
			ew, err := toWire(e)
			if err != nil {
				return w, err
			}
			w.M[k] = ew
		}
	default:
		return w, fmt.Errorf("db: cannot encode value of type %T", v)
	}
	return w, nil
}

func fromWire(w wireValue) (any, error) {
	switch ValueKind(w.K) {
	case ValueNil:
		return nil, nil
	case ValueBool:
		return w.I != 0, nil
	case ValueInt:
		return w.I, nil
	case ValueDouble:
		return w.F, nil
	case ValueString:
		return w.S, nil
	case ValueBinary:
		if w.B == nil {
			return []byte{}, nil
		}
		return w.B, nil
	case ValueDate:
		return time.Unix(0, w.I).UTC(), nil
	case ValueLink:
		return Link(w.I), nil
	case ValueList:
		out := make([]any, len(w.L))
		for i, e := range w.L {
			v, err := fromWire(e)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case ValueMap:
		out := make(map[string]any, len(w.M))
		for k, e := range w.M {
			v, err := fromWire(e)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown value kind %d", ErrCorrupt, w.K)
	}
}

// EncodeValue encodes a single normalized value as a BSON document.
func EncodeValue(v any) ([]byte, error) {
	w, err := toWire(v)
	if err != nil {
		return nil, err
	}
	return bson.Marshal(w)
}

// DecodeValue decodes a value encoded by EncodeValue.
func DecodeValue(data []byte) (any, error) {
	var w wireValue
	if err := bson.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return fromWire(w)
}

// EncodeRow encodes a row as a BSON document.
func EncodeRow(r Row) ([]byte, error) {
	wr := wireRow{Fields: make(map[string]wireValue, len(r))}
	for k, v := range r {
		w, err := toWire(v)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", k, err)
		}
		wr.Fields[k] = w
	}
	return bson.Marshal(wr)
}

// DecodeRow decodes a row encoded by EncodeRow.
func DecodeRow(data []byte) (Row, error) {
	var wr wireRow
	if err := bson.Unmarshal(data, &wr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	r := make(Row, len(wr.Fields))
	for k, w := range wr.Fields {
		v, err := fromWire(w)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", k, err)
		}
		r[k] = v
	}
	return r, nil
}
