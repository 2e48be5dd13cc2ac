package db

import (
	"bytes"
	"cmp"
	"encoding/hex"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Values
// --------------------------------------------------------------------------

// Row is the stored representation of one object. Column values are always
// normalized: nil, int64, bool, string, float64, []byte, time.Time, Link,
// []any (lists and sets) or map[string]any (dictionaries).
type Row map[string]any

// Link references a row of the table named by the schema of the column.
type Link RowKey

// ValueKind classifies a normalized value.
type ValueKind uint8

const (
	ValueNil ValueKind = iota
	ValueBool
	ValueInt
	ValueDouble
	ValueString
	ValueBinary
	ValueDate
	ValueLink
	ValueList
	ValueMap
	ValueInvalid
)

func (k ValueKind) String() string {
	switch k {
	case ValueNil:
		return "nil"
	case ValueBool:
		return "bool"
	case ValueInt:
		return "int"
	case ValueDouble:
		return "double"
	case ValueString:
		return "string"
	case ValueBinary:
		return "binary"
	case ValueDate:
		return "date"
	case ValueLink:
		return "link"
	case ValueList:
		return "list"
	case ValueMap:
		return "map"
	default:
		return "invalid"
	}
}

// KindOf returns the kind of a normalized value.
func KindOf(v any) ValueKind {
	switch v.(type) {
	case nil:
		return ValueNil
	case bool:
		return ValueBool
	case int64:
		return ValueInt
	case float64:
		return ValueDouble
	case string:
		return ValueString
	case []byte:
		return ValueBinary
	case time.Time:
		return ValueDate
	case Link:
		return ValueLink
	case []any:
		return ValueList
	case map[string]any:
		return ValueMap
	default:
		return ValueInvalid
	}
}

// Equal compares two normalized values.
func Equal(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, ok := bv[k]
			if !ok || !Equal(x, y) {
				return false
			}
		}
		return true
	default:
		if KindOf(a) != KindOf(b) {
			return false
		}
		return a == b
	}
}

// Clone returns a deep copy of a normalized value.
func Clone(v any) any {
	switch x := v.(type) {
	case []byte:
		return slices.Clone(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = Clone(x[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = Clone(e)
		}
		return out
	default:
		return v
	}
}

// CloneRow returns a deep copy of a row.
func CloneRow(r Row) Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = Clone(v)
	}
	return out
}

// Compare orders two normalized values. Values of different kinds are ordered
// by kind, nil sorts first. Lists and maps compare by length.
func Compare(a, b any) int {
	ka, kb := KindOf(a), KindOf(b)
	// ints and doubles compare numerically
	if (ka == ValueInt || ka == ValueDouble) && (kb == ValueInt || kb == ValueDouble) && ka != kb {
		return cmp.Compare(toFloat(a), toFloat(b))
	}
	if ka != kb {
		return cmp.Compare(ka, kb)
	}
	switch av := a.(type) {
	case nil:
		return 0
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case int64:
		return cmp.Compare(av, b.(int64))
	case float64:
		return cmp.Compare(av, b.(float64))
	case string:
		return strings.Compare(av, b.(string))
	case []byte:
		return bytes.Compare(av, b.([]byte))
	case time.Time:
		return av.Compare(b.(time.Time))
	case Link:
		return cmp.Compare(av, b.(Link))
	case []any:
		return cmp.Compare(len(av), len(b.([]any)))
	case map[string]any:
		return cmp.Compare(len(av), len(b.(map[string]any)))
	default:
		return 0
	}
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	default:
		return 0
	}
}

// IndexKey returns a canonical string for a scalar value. Two values have the
// same index key if and only if they are Equal.
func IndexKey(v any) string {
	switch x := v.(type) {
	case nil:
		return "n"
	case bool:
		if x {
			return "b:1"
		}
		return "b:0"
	case int64:
		return "i:" + strconv.FormatInt(x, 10)
	case float64:
		return "f:" + strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return "s:" + x
	case []byte:
		return "x:" + hex.EncodeToString(x)
	case time.Time:
		return "t:" + strconv.FormatInt(x.UnixNano(), 10)
	case Link:
		return "l:" + strconv.FormatUint(uint64(x), 10)
	default:
		return fmt.Sprintf("?:%v", x)
	}
}

// ApproxSize estimates the in-memory size of a normalized value in bytes.
func ApproxSize(v any) int {
	switch x := v.(type) {
	case nil:
		return 1
	case bool:
		return 1
	case int64, float64, Link:
		return 8
	case string:
		return len(x)
	case []byte:
		return len(x)
	case time.Time:
		return 12
	case []any:
		n := 8
		for _, e := range x {
			n += ApproxSize(e)
		}
		return n
	case map[string]any:
		n := 8
		for k, e := range x {
			n += len(k) + ApproxSize(e)
		}
		return n
	case Row:
		n := 8
		for k, e := range x {
			n += len(k) + ApproxSize(e)
		}
		return n
	default:
		return 8
	}
}

// Normalize converts a Go value to its normalized stored form. Integers of any
// width become int64, float32 becomes float64 and times are converted to UTC.
// It reports false for values that have no stored representation.
func Normalize(v any) (any, bool) {
	switch x := v.(type) {
	case nil, bool, int64, float64, string, Link:
		return v, true
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint:
		if uint64(x) > math.MaxInt64 {
			return nil, false
		}
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return nil, false
		}
		return int64(x), true
	case float32:
		return float64(x), true
	case []byte:
		if x == nil {
			return []byte{}, true
		}
		return x, true
	case time.Time:
		return x.UTC(), true
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			n, ok := Normalize(e)
			if !ok {
				return nil, false
			}
			out[i] = n
		}
		return out, true
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			n, ok := Normalize(e)
			if !ok {
				return nil, false
			}
			out[k] = n
		}
		return out, true
	default:
		return nil, false
	}
}
