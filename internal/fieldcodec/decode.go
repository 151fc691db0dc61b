package fieldcodec

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Consume decodes one occurrence of f from b, whose tag has already been
// read as typ. For Repeated fields the element is appended to cur; for all
// other kinds cur is ignored and the last occurrence wins, as in protobuf.
func Consume(b []byte, f Field, typ protowire.Type, cur any) (any, int, error) {
	switch f.Kind {
	case Int32, UInt32, Int64, UInt64, Bool, Enum:
		if typ != protowire.VarintType {
			return nil, 0, wireErr(f, typ)
		}
		x, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		return fromVarint(f, x), n, nil
	case Float:
		if typ != protowire.Fixed32Type {
			return nil, 0, wireErr(f, typ)
		}
		x, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		return math.Float32frombits(x), n, nil
	case Double:
		if typ != protowire.Fixed64Type {
			return nil, 0, wireErr(f, typ)
		}
		x, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		return math.Float64frombits(x), n, nil
	case String:
		if typ != protowire.BytesType {
			return nil, 0, wireErr(f, typ)
		}
		s, n := protowire.ConsumeString(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		return s, n, nil
	case Message:
		if typ != protowire.BytesType {
			return nil, 0, wireErr(f, typ)
		}
		inner, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, 0, protowire.ParseError(n)
		}
		vals, err := DecodeMessage(f.Fields, inner)
		if err != nil {
			return nil, 0, fmt.Errorf("field %q: %w", f.Name, err)
		}
		return vals, n, nil
	case Repeated:
		elem := *f.Elem
		elem.Number = f.Number
		v, n, err := Consume(b, elem, typ, nil)
		if err != nil {
			return nil, 0, err
		}
		list, _ := cur.([]any)
		return append(list, v), n, nil
	default:
		return nil, 0, fmt.Errorf("field %q: cannot decode %v", f.Name, f.Kind)
	}
}

func fromVarint(f Field, x uint64) any {
	switch f.Kind {
	case Int32:
		return int32(x)
	case UInt32:
		return uint32(x)
	case Int64:
		return int64(x)
	case UInt64:
		return x
	case Bool:
		return protowire.DecodeBool(x)
	case Enum:
		return int32(x)
	default:
		panic(fmt.Sprintf("fieldcodec: %v is not a varint kind", f.Kind))
	}
}

func wireErr(f Field, typ protowire.Type) error {
	return fmt.Errorf("field %q (%v): unexpected wire type %d", f.Name, f.Kind, typ)
}

// DecodeMessage decodes b into positional values for fields. Unknown field
// numbers are skipped.
func DecodeMessage(fields []Field, b []byte) ([]any, error) {
	vals := make([]any, len(fields))
	index := make(map[protowire.Number]int, len(fields))
	for i, f := range fields {
		index[f.Number] = i
	}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		i, ok := index[num]
		if !ok {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n, err := Consume(b, fields[i], typ, vals[i])
		if err != nil {
			return nil, err
		}
		vals[i] = v
		b = b[n:]
	}
	return vals, nil
}
