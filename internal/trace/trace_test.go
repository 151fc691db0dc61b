package trace

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/danceos/fail-sub001/internal/fieldcodec"
)

var testAux = []fieldcodec.Field{
	{Name: "data", Number: 1, Kind: fieldcodec.UInt64},
	{Name: "sp", Number: 2, Kind: fieldcodec.UInt32},
}

func sampleEvents() []Event {
	return []Event{
		{Kind: Fetch, IP: 0x100, TimeDelta: 1},
		{Kind: MemAccess, IP: 0x100, Addr: 0x2000, Width: 4, Access: Write, Aux: []any{uint64(0xCAFE), uint32(0x7FF0)}},
		{Kind: Fetch, IP: 0x104, TimeDelta: 3},
		{Kind: MemAccess, IP: 0x104, Addr: 0x2001, Width: 1, Mask: 0x0F, Access: Read},
	}
}

func readAll(t *testing.T, r Reader) []Event {
	t.Helper()
	var out []Event
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, ev)
	}
}

func writeProto(t *testing.T, w io.Writer, events []Event) {
	t.Helper()
	pw := NewProtoWriter(w, testAux)
	for _, ev := range events {
		if err := pw.Write(ev); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := pw.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestProtoRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	writeProto(t, &buf, sampleEvents())

	r, err := NewProtoReader(&buf, testAux)
	if err != nil {
		t.Fatalf("NewProtoReader: %v", err)
	}
	if diff := cmp.Diff(sampleEvents(), readAll(t, r)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestProtoReader_Gzip(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	writeProto(t, gz, sampleEvents())
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	r, err := NewProtoReader(&buf, testAux)
	if err != nil {
		t.Fatalf("NewProtoReader: %v", err)
	}
	defer r.Close()
	if got := readAll(t, r); len(got) != 4 {
		t.Errorf("want 4 events, got %d", len(got))
	}
}

func TestProtoReader_Truncated(t *testing.T) {
	var buf bytes.Buffer
	writeProto(t, &buf, sampleEvents()[:1])
	data := buf.Bytes()[:buf.Len()-1]

	r, _ := NewProtoReader(bytes.NewReader(data), nil)
	_, err := r.Next()
	if err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("want truncation error, got %v", err)
	}
}

func TestProtoReader_WidthOverflow(t *testing.T) {
	var msg []byte
	msg = protowire.AppendTag(msg, fieldMemAddr, protowire.VarintType)
	msg = protowire.AppendVarint(msg, 0x2000)
	msg = protowire.AppendTag(msg, fieldWidth, protowire.VarintType)
	msg = protowire.AppendVarint(msg, 1<<32+1)
	msg = protowire.AppendTag(msg, fieldAccess, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(Read))
	frame := binary.BigEndian.AppendUint32(nil, uint32(len(msg)))
	frame = append(frame, msg...)

	r, err := NewProtoReader(bytes.NewReader(frame), nil)
	if err != nil {
		t.Fatalf("NewProtoReader: %v", err)
	}
	if _, err := r.Next(); err == nil || !strings.Contains(err.Error(), "overflows uint32") {
		t.Errorf("Next error = %v, want width overflow", err)
	}
}

func TestJSONLReader(t *testing.T) {
	in := `{"ip":256,"dt":1}

{"ip":256,"addr":8192,"width":4,"access":"W","aux":{"data":"0xcafe","sp":32752}}
{"ip":260,"dt":3}
{"ip":260,"addr":8193,"width":1,"mask":15,"access":"read"}
`
	r, _ := NewJSONLReader(strings.NewReader(in), testAux)
	if diff := cmp.Diff(sampleEvents(), readAll(t, r)); diff != "" {
		t.Errorf("jsonl mismatch (-want +got):\n%s", diff)
	}
}

func TestJSONLReader_BadAccess(t *testing.T) {
	r, _ := NewJSONLReader(strings.NewReader(`{"ip":1,"addr":2,"access":"X"}`), nil)
	if _, err := r.Next(); err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Errorf("want line-tagged error, got %v", err)
	}
}

func TestJSONLReader_WidthOverflow(t *testing.T) {
	r, _ := NewJSONLReader(strings.NewReader(`{"ip":1,"addr":2,"width":4294967297,"access":"R"}`), nil)
	if _, err := r.Next(); err == nil || !strings.Contains(err.Error(), "overflows uint32") {
		t.Errorf("Next error = %v, want width overflow", err)
	}
}

func TestJSONLWriter_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, testAux)
	for _, ev := range sampleEvents() {
		if err := w.Write(ev); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	r, _ := NewJSONLReader(&buf, testAux)
	if diff := cmp.Diff(sampleEvents(), readAll(t, r)); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestOpen_DetectsFormat(t *testing.T) {
	dir := t.TempDir()

	protoPath := filepath.Join(dir, "trace.tc")
	f, err := os.Create(protoPath)
	if err != nil {
		t.Fatal(err)
	}
	writeProto(t, f, sampleEvents())
	f.Close()

	jsonPath := filepath.Join(dir, "trace.jsonl")
	if err := os.WriteFile(jsonPath, []byte(`{"ip":1,"dt":1}`+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	for path, want := range map[string]int{protoPath: 4, jsonPath: 1} {
		r, err := Open(path, FormatAuto, testAux)
		if err != nil {
			t.Fatalf("Open(%s): %v", path, err)
		}
		if got := len(readAll(t, r)); got != want {
			t.Errorf("%s: want %d events, got %d", filepath.Base(path), want, got)
		}
		r.Close()
	}

	if _, err := Open(jsonPath, "xml", nil); err == nil {
		t.Error("expected unknown format error")
	}
}

func TestParseAccessType(t *testing.T) {
	for in, want := range map[string]AccessType{"R": Read, "write": Write, " w ": Write} {
		got, err := ParseAccessType(in)
		if err != nil || got != want {
			t.Errorf("ParseAccessType(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseAccessType("x"); err == nil {
		t.Error("expected error")
	}
}
