package fieldcodec

import "fmt"

// SQLType is the SQLite column type used to store f.
func SQLType(f Field) string {
	switch f.Kind {
	case Int32, UInt32, Int64, UInt64, Bool, Enum:
		return "INTEGER"
	case Float, Double:
		return "REAL"
	case String:
		return "TEXT"
	case Message, Repeated:
		return "BLOB"
	default:
		panic(fmt.Sprintf("fieldcodec: no column type for %v", f.Kind))
	}
}

// Column converts v to the value bound for f's column. Composite kinds are
// stored as their wire encoding without the outer tag. UInt64 values are
// stored bit-for-bit in the signed 64-bit column.
func Column(f Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch f.Kind {
	case Int32, UInt32, Int64, UInt64, Enum:
		x, err := scalarBits(f, v)
		if err != nil {
			return nil, err
		}
		return int64(x), nil
	case Bool:
		x, ok := v.(bool)
		if !ok {
			return nil, typeErr(f, v)
		}
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case Float:
		x, ok := v.(float32)
		if !ok {
			return nil, typeErr(f, v)
		}
		return float64(x), nil
	case Double:
		x, ok := v.(float64)
		if !ok {
			return nil, typeErr(f, v)
		}
		return x, nil
	case String:
		x, ok := v.(string)
		if !ok {
			return nil, typeErr(f, v)
		}
		return x, nil
	case Message:
		vals, ok := v.([]any)
		if !ok {
			return nil, typeErr(f, v)
		}
		return EncodeMessage(f.Fields, vals)
	case Repeated:
		b, err := Append(nil, f, v)
		if err != nil {
			return nil, err
		}
		if b == nil {
			b = []byte{}
		}
		return b, nil
	default:
		return nil, fmt.Errorf("field %q: no column for %v", f.Name, f.Kind)
	}
}

// FromColumn is the inverse of Column for values scanned from SQLite.
func FromColumn(f Field, col any) (any, error) {
	if col == nil {
		return nil, nil
	}
	switch f.Kind {
	case Int32, UInt32, Int64, UInt64, Bool, Enum:
		x, ok := col.(int64)
		if !ok {
			return nil, typeErr(f, col)
		}
		return fromVarint(f, uint64(x)), nil
	case Float:
		x, ok := col.(float64)
		if !ok {
			return nil, typeErr(f, col)
		}
		return float32(x), nil
	case Double:
		x, ok := col.(float64)
		if !ok {
			return nil, typeErr(f, col)
		}
		return x, nil
	case String:
		switch x := col.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		}
		return nil, typeErr(f, col)
	case Message:
		b, ok := col.([]byte)
		if !ok {
			return nil, typeErr(f, col)
		}
		return DecodeMessage(f.Fields, b)
	case Repeated:
		b, ok := col.([]byte)
		if !ok {
			return nil, typeErr(f, col)
		}
		vals, err := DecodeMessage([]Field{f}, b)
		if err != nil {
			return nil, err
		}
		if vals[0] == nil {
			return []any{}, nil
		}
		return vals[0], nil
	default:
		return nil, fmt.Errorf("field %q: no column for %v", f.Name, f.Kind)
	}
}
