// Package fieldcodec encodes typed auxiliary values (register contents,
// accessed data, user-defined experiment fields) in protobuf wire format and
// maps them to SQL columns.
//
// Field kinds form a closed set. Every operation is one switch over Kind, so
// adding a kind means touching each switch below.
//
// Go representation of values by kind:
//
//	Int32 int32, UInt32 uint32, Int64 int64, UInt64 uint64,
//	Float float32, Double float64, Bool bool, String string, Enum int32,
//	Message []any (positional, one entry per Field.Fields; nil = absent),
//	Repeated []any (elements typed per Field.Elem).
package fieldcodec

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind is a field's scalar or composite type.
type Kind uint8

const (
	Invalid Kind = iota
	Int32
	UInt32
	Int64
	UInt64
	Float
	Double
	Bool
	String
	Enum
	Message
	Repeated
)

var kindNames = [...]string{
	Invalid:  "invalid",
	Int32:    "int32",
	UInt32:   "uint32",
	Int64:    "int64",
	UInt64:   "uint64",
	Float:    "float",
	Double:   "double",
	Bool:     "bool",
	String:   "string",
	Enum:     "enum",
	Message:  "message",
	Repeated: "repeated",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind resolves a kind name as used in config files.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for k, name := range kindNames {
		if k != int(Invalid) && name == s {
			return Kind(k), nil
		}
	}
	return Invalid, fmt.Errorf("unknown field kind %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if k == Invalid || int(k) >= len(kindNames) {
		return nil, fmt.Errorf("cannot marshal %v", k)
	}
	return []byte(kindNames[k]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, so kinds can be spelled
// by name in YAML and JSON config.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ErrType is returned when a value does not match its field's kind.
var ErrType = errors.New("value does not match field kind")

// Field describes one encodable field.
type Field struct {
	Name   string           `json:"name" yaml:"name"`
	Number protowire.Number `json:"number" yaml:"number"`
	Kind   Kind             `json:"kind" yaml:"kind"`
	Elem   *Field           `json:"elem,omitempty" yaml:"elem,omitempty"`     // Repeated
	Fields []Field          `json:"fields,omitempty" yaml:"fields,omitempty"` // Message
}

// Validate checks the field tree for structural errors.
func (f Field) Validate() error {
	if !f.Number.IsValid() {
		return fmt.Errorf("field %q: invalid number %d", f.Name, f.Number)
	}
	switch f.Kind {
	case Int32, UInt32, Int64, UInt64, Float, Double, Bool, String, Enum:
		return nil
	case Message:
		seen := make(map[protowire.Number]bool, len(f.Fields))
		for _, sub := range f.Fields {
			if seen[sub.Number] {
				return fmt.Errorf("field %q: duplicate number %d", f.Name, sub.Number)
			}
			seen[sub.Number] = true
			if err := sub.Validate(); err != nil {
				return fmt.Errorf("field %q: %w", f.Name, err)
			}
		}
		return nil
	case Repeated:
		if f.Elem == nil {
			return fmt.Errorf("field %q: repeated without element type", f.Name)
		}
		if f.Elem.Kind == Repeated {
			return fmt.Errorf("field %q: nested repeated", f.Name)
		}
		elem := *f.Elem
		elem.Number = f.Number
		return elem.Validate()
	case Invalid:
		return fmt.Errorf("field %q: kind not set", f.Name)
	default:
		return fmt.Errorf("field %q: %v", f.Name, f.Kind)
	}
}

// WireType returns the protobuf wire type of one occurrence of f.
func (f Field) WireType() protowire.Type {
	switch f.Kind {
	case Int32, UInt32, Int64, UInt64, Bool, Enum:
		return protowire.VarintType
	case Float:
		return protowire.Fixed32Type
	case Double:
		return protowire.Fixed64Type
	case String, Message:
		return protowire.BytesType
	case Repeated:
		return f.Elem.WireType()
	default:
		panic(fmt.Sprintf("fieldcodec: wire type of %v", f.Kind))
	}
}

func typeErr(f Field, v any) error {
	return fmt.Errorf("field %q (%v) got %T: %w", f.Name, f.Kind, v, ErrType)
}

// scalarBits returns the varint/fixed payload of a non-bytes scalar.
func scalarBits(f Field, v any) (uint64, error) {
	switch f.Kind {
	case Int32:
		x, ok := v.(int32)
		if !ok {
			return 0, typeErr(f, v)
		}
		return uint64(int64(x)), nil
	case UInt32:
		x, ok := v.(uint32)
		if !ok {
			return 0, typeErr(f, v)
		}
		return uint64(x), nil
	case Int64:
		x, ok := v.(int64)
		if !ok {
			return 0, typeErr(f, v)
		}
		return uint64(x), nil
	case UInt64:
		x, ok := v.(uint64)
		if !ok {
			return 0, typeErr(f, v)
		}
		return x, nil
	case Float:
		x, ok := v.(float32)
		if !ok {
			return 0, typeErr(f, v)
		}
		return uint64(math.Float32bits(x)), nil
	case Double:
		x, ok := v.(float64)
		if !ok {
			return 0, typeErr(f, v)
		}
		return math.Float64bits(x), nil
	case Bool:
		x, ok := v.(bool)
		if !ok {
			return 0, typeErr(f, v)
		}
		return protowire.EncodeBool(x), nil
	case Enum:
		x, ok := v.(int32)
		if !ok {
			return 0, typeErr(f, v)
		}
		return uint64(int64(x)), nil
	default:
		return 0, fmt.Errorf("field %q: %v is not a scalar", f.Name, f.Kind)
	}
}

// Append encodes one field (tag included) onto b. A nil value encodes
// nothing.
func Append(b []byte, f Field, v any) ([]byte, error) {
	if v == nil {
		return b, nil
	}
	switch f.Kind {
	case Int32, UInt32, Int64, UInt64, Bool, Enum:
		x, err := scalarBits(f, v)
		if err != nil {
			return b, err
		}
		b = protowire.AppendTag(b, f.Number, protowire.VarintType)
		return protowire.AppendVarint(b, x), nil
	case Float:
		x, err := scalarBits(f, v)
		if err != nil {
			return b, err
		}
		b = protowire.AppendTag(b, f.Number, protowire.Fixed32Type)
		return protowire.AppendFixed32(b, uint32(x)), nil
	case Double:
		x, err := scalarBits(f, v)
		if err != nil {
			return b, err
		}
		b = protowire.AppendTag(b, f.Number, protowire.Fixed64Type)
		return protowire.AppendFixed64(b, x), nil
	case String:
		s, ok := v.(string)
		if !ok {
			return b, typeErr(f, v)
		}
		b = protowire.AppendTag(b, f.Number, protowire.BytesType)
		return protowire.AppendString(b, s), nil
	case Message:
		vals, ok := v.([]any)
		if !ok {
			return b, typeErr(f, v)
		}
		inner, err := EncodeMessage(f.Fields, vals)
		if err != nil {
			return b, fmt.Errorf("field %q: %w", f.Name, err)
		}
		b = protowire.AppendTag(b, f.Number, protowire.BytesType)
		return protowire.AppendBytes(b, inner), nil
	case Repeated:
		list, ok := v.([]any)
		if !ok {
			return b, typeErr(f, v)
		}
		elem := *f.Elem
		elem.Number = f.Number
		for _, item := range list {
			var err error
			if b, err = Append(b, elem, item); err != nil {
				return b, err
			}
		}
		return b, nil
	default:
		return b, fmt.Errorf("field %q: cannot encode %v", f.Name, f.Kind)
	}
}

// Size returns the number of bytes Append would produce.
func Size(f Field, v any) (int, error) {
	if v == nil {
		return 0, nil
	}
	tag := protowire.SizeTag(f.Number)
	switch f.Kind {
	case Int32, UInt32, Int64, UInt64, Bool, Enum:
		x, err := scalarBits(f, v)
		if err != nil {
			return 0, err
		}
		return tag + protowire.SizeVarint(x), nil
	case Float:
		if _, ok := v.(float32); !ok {
			return 0, typeErr(f, v)
		}
		return tag + protowire.SizeFixed32(), nil
	case Double:
		if _, ok := v.(float64); !ok {
			return 0, typeErr(f, v)
		}
		return tag + protowire.SizeFixed64(), nil
	case String:
		s, ok := v.(string)
		if !ok {
			return 0, typeErr(f, v)
		}
		return tag + protowire.SizeBytes(len(s)), nil
	case Message:
		vals, ok := v.([]any)
		if !ok {
			return 0, typeErr(f, v)
		}
		n, err := MessageSize(f.Fields, vals)
		if err != nil {
			return 0, err
		}
		return tag + protowire.SizeBytes(n), nil
	case Repeated:
		list, ok := v.([]any)
		if !ok {
			return 0, typeErr(f, v)
		}
		elem := *f.Elem
		elem.Number = f.Number
		total := 0
		for _, item := range list {
			n, err := Size(elem, item)
			if err != nil {
				return 0, err
			}
			total += n
		}
		return total, nil
	default:
		return 0, fmt.Errorf("field %q: cannot size %v", f.Name, f.Kind)
	}
}

// EncodeMessage encodes positional values against fields.
func EncodeMessage(fields []Field, vals []any) ([]byte, error) {
	if len(vals) > len(fields) {
		return nil, fmt.Errorf("%d values for %d fields", len(vals), len(fields))
	}
	n, err := MessageSize(fields, vals)
	if err != nil {
		return nil, err
	}
	b := make([]byte, 0, n)
	for i, v := range vals {
		if b, err = Append(b, fields[i], v); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// MessageSize is the encoded size of EncodeMessage(fields, vals).
func MessageSize(fields []Field, vals []any) (int, error) {
	total := 0
	for i, v := range vals {
		if i >= len(fields) {
			return 0, fmt.Errorf("%d values for %d fields", len(vals), len(fields))
		}
		n, err := Size(fields[i], v)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}
