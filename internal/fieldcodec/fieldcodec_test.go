package fieldcodec

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/protobuf/encoding/protowire"
	"gopkg.in/yaml.v3"
)

var regs = Field{
	Name: "regs", Number: 4, Kind: Repeated,
	Elem: &Field{Kind: Message, Fields: []Field{
		{Name: "id", Number: 1, Kind: UInt32},
		{Name: "value", Number: 2, Kind: UInt64},
	}},
}

var auxFields = []Field{
	{Name: "data", Number: 1, Kind: UInt64},
	{Name: "delta", Number: 2, Kind: Int32},
	{Name: "taken", Number: 3, Kind: Bool},
	regs,
	{Name: "ratio", Number: 5, Kind: Double},
	{Name: "scale", Number: 6, Kind: Float},
	{Name: "label", Number: 7, Kind: String},
	{Name: "mode", Number: 8, Kind: Enum},
	{Name: "offset", Number: 9, Kind: Int64},
}

func TestEncodeDecodeMessage(t *testing.T) {
	vals := []any{
		uint64(0xDEADBEEF),
		int32(-7),
		true,
		[]any{
			[]any{uint32(1), uint64(42)},
			[]any{uint32(2), nil},
		},
		2.5,
		float32(0.25),
		"irq",
		int32(3),
		int64(-1 << 40),
	}
	b, err := EncodeMessage(auxFields, vals)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	n, err := MessageSize(auxFields, vals)
	if err != nil || n != len(b) {
		t.Fatalf("MessageSize = %d (err %v), encoded %d bytes", n, err, len(b))
	}
	got, err := DecodeMessage(auxFields, b)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if diff := cmp.Diff(vals, got); diff != "" {
		t.Errorf("decode mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeMessage_SkipsUnknownFields(t *testing.T) {
	b := protowire.AppendTag(nil, 99, protowire.BytesType)
	b = protowire.AppendString(b, "ignored")
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 5)

	got, err := DecodeMessage(auxFields[:1], b)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if got[0] != uint64(5) {
		t.Errorf("got %v, want 5", got[0])
	}
}

func TestDecodeMessage_WireTypeMismatch(t *testing.T) {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	b = protowire.AppendString(b, "x")
	if _, err := DecodeMessage(auxFields[:1], b); err == nil {
		t.Fatal("expected wire type error")
	}
}

func TestAppend_TypeMismatch(t *testing.T) {
	_, err := Append(nil, Field{Name: "data", Number: 1, Kind: UInt64}, int64(1))
	if !errors.Is(err, ErrType) {
		t.Errorf("err = %v, want ErrType", err)
	}
}

func TestColumnRoundTrip(t *testing.T) {
	tests := []struct {
		field Field
		value any
		typ   string
	}{
		{Field{Name: "a", Number: 1, Kind: Int32}, int32(-3), "INTEGER"},
		{Field{Name: "b", Number: 1, Kind: UInt64}, uint64(1 << 63), "INTEGER"},
		{Field{Name: "c", Number: 1, Kind: Bool}, true, "INTEGER"},
		{Field{Name: "d", Number: 1, Kind: Float}, float32(1.5), "REAL"},
		{Field{Name: "e", Number: 1, Kind: String}, "eax", "TEXT"},
		{regs, []any{[]any{uint32(7), uint64(9)}}, "BLOB"},
		{Field{Name: "m", Number: 1, Kind: Message, Fields: auxFields[:2]}, []any{uint64(1), int32(2)}, "BLOB"},
	}
	for _, tt := range tests {
		t.Run(tt.field.Name, func(t *testing.T) {
			if got := SQLType(tt.field); got != tt.typ {
				t.Errorf("SQLType = %s, want %s", got, tt.typ)
			}
			col, err := Column(tt.field, tt.value)
			if err != nil {
				t.Fatalf("Column: %v", err)
			}
			back, err := FromColumn(tt.field, col)
			if err != nil {
				t.Fatalf("FromColumn: %v", err)
			}
			if diff := cmp.Diff(tt.value, back); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	for _, f := range auxFields {
		if err := f.Validate(); err != nil {
			t.Errorf("Validate(%s): %v", f.Name, err)
		}
	}
	bad := []Field{
		{Name: "zero", Number: 0, Kind: UInt64},
		{Name: "nokind", Number: 1},
		{Name: "noelem", Number: 1, Kind: Repeated},
		{Name: "dup", Number: 1, Kind: Message, Fields: []Field{{Name: "x", Number: 1, Kind: Bool}, {Name: "y", Number: 1, Kind: Bool}}},
	}
	for _, f := range bad {
		if err := f.Validate(); err == nil {
			t.Errorf("Validate(%s): expected error", f.Name)
		}
	}
}

func TestKind_YAML(t *testing.T) {
	var f Field
	if err := yaml.Unmarshal([]byte("name: data\nnumber: 1\nkind: uint64\n"), &f); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if f.Kind != UInt64 || f.Number != 1 {
		t.Errorf("got %+v", f)
	}
	if err := yaml.Unmarshal([]byte("kind: quad\n"), &f); err == nil {
		t.Error("expected unknown kind error")
	}
}
