// Package engine implements the query pipeline: analyzer, planner,
// optimizer, portal, and the pull-model executor tree (C8/C9).
package engine

import (
	"fmt"

	"github.com/relicaldb/relicaldb/internal/catalog"
	"github.com/relicaldb/relicaldb/internal/coltype"
	"github.com/relicaldb/relicaldb/internal/dberrors"
)

// Value is a typed runtime literal, produced by the lexer/parser and
// consumed by the analyzer and executors.
type Value struct {
	Type coltype.Type
	I    int32
	F    float32
	S    string
	DT   uint64
}

// IntValue constructs an INT value.
func IntValue(v int32) Value { return Value{Type: coltype.Int, I: v} }

// FloatValue constructs a FLOAT value.
func FloatValue(v float32) Value { return Value{Type: coltype.Float, F: v} }

// StringValue constructs a STRING value.
func StringValue(v string) Value { return Value{Type: coltype.String, S: v} }

// AsFloat widens an INT or FLOAT value to float64 for permissive
// INT↔FLOAT arithmetic and comparison.
func (v Value) AsFloat() float64 {
	if v.Type == coltype.Int {
		return float64(v.I)
	}
	return float64(v.F)
}

// Encode renders v into a column's fixed-width wire encoding, converting
// permissively between INT and FLOAT and canonicalizing STRING-typed
// DATETIME literals.
func Encode(v Value, col catalog.ColMeta) ([]byte, error) {
	switch col.Type {
	case coltype.Int:
		switch v.Type {
		case coltype.Int:
			return coltype.EncodeInt(v.I), nil
		case coltype.Float:
			return coltype.EncodeInt(int32(v.F)), nil
		}
	case coltype.Float:
		switch v.Type {
		case coltype.Float:
			return coltype.EncodeFloat(v.F), nil
		case coltype.Int:
			return coltype.EncodeFloat(float32(v.I)), nil
		}
	case coltype.String:
		if v.Type == coltype.String {
			if len(v.S) > int(col.Len) {
				return nil, fmt.Errorf("%w: %q exceeds column length %d", dberrors.ErrTypeOverflow, v.S, col.Len)
			}
			return coltype.EncodeString(v.S, int(col.Len)), nil
		}
	case coltype.DateTime:
		if v.Type == coltype.DateTime {
			return encodeU64(v.DT), nil
		}
	}
	return nil, fmt.Errorf("%w: cannot assign %v to column %s (%v)", dberrors.ErrIncompatibleType, v.Type, col.Name, col.Type)
}

func encodeU64(v uint64) []byte {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
	return buf
}

// Decode reads a column's raw bytes back into a typed Value.
func Decode(raw []byte, col catalog.ColMeta) Value {
	switch col.Type {
	case coltype.Int:
		return Value{Type: coltype.Int, I: coltype.DecodeInt(raw)}
	case coltype.Float:
		return Value{Type: coltype.Float, F: coltype.DecodeFloat(raw)}
	case coltype.String:
		return Value{Type: coltype.String, S: coltype.DecodeString(raw)}
	case coltype.DateTime:
		v := uint64(0)
		for i := 7; i >= 0; i-- {
			v = v<<8 | uint64(raw[i])
		}
		return Value{Type: coltype.DateTime, DT: v}
	}
	return Value{}
}

// String renders v the way SELECT output formats it (FLOAT with six
// fraction digits, per S3's expected "55.500000").
func (v Value) String() string {
	switch v.Type {
	case coltype.Int:
		return fmt.Sprintf("%d", v.I)
	case coltype.Float:
		return fmt.Sprintf("%f", v.F)
	case coltype.String:
		return v.S
	case coltype.DateTime:
		y, mo, d, h, mi, s := coltype.DecodeDateTime(encodeU64(v.DT))
		return fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d", y, mo, d, h, mi, s)
	}
	return ""
}
