package trace

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/sugawarayuuta/sonnet"

	"github.com/danceos/fail-sub001/internal/fieldcodec"
)

// jsonEvent is one line of the JSON-lines format. A record with "addr" is a
// memory access; every other record is an instruction fetch.
//
//	{"ip":4096,"dt":1}
//	{"ip":4096,"addr":8192,"width":4,"access":"W","aux":{"data":7}}
type jsonEvent struct {
	IP     uint64         `json:"ip"`
	Addr   *uint64        `json:"addr,omitempty"`
	Width  uint64         `json:"width,omitempty"`
	Mask   uint8          `json:"mask,omitempty"`
	Access string         `json:"access,omitempty"`
	DT     uint64         `json:"dt,omitempty"`
	Aux    map[string]any `json:"aux,omitempty"`
}

// JSONLReader decodes one event per line.
type JSONLReader struct {
	sc   *bufio.Scanner
	aux  []fieldcodec.Field
	line int
}

// NewJSONLReader wraps r. aux maps "aux" object keys to typed values.
func NewJSONLReader(r io.Reader, aux []fieldcodec.Field) (*JSONLReader, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxRecord)
	return &JSONLReader{sc: sc, aux: aux}, nil
}

// Next implements Reader.
func (j *JSONLReader) Next() (Event, error) {
	for j.sc.Scan() {
		j.line++
		line := j.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var je jsonEvent
		if err := sonnet.Unmarshal(line, &je); err != nil {
			return Event{}, fmt.Errorf("line %d: %w", j.line, err)
		}
		ev, err := j.convert(je)
		if err != nil {
			return Event{}, fmt.Errorf("line %d: %w", j.line, err)
		}
		return ev, nil
	}
	if err := j.sc.Err(); err != nil {
		return Event{}, fmt.Errorf("line %d: %w", j.line, err)
	}
	return Event{}, io.EOF
}

func (j *JSONLReader) convert(je jsonEvent) (Event, error) {
	ev := Event{Kind: Fetch, IP: je.IP, TimeDelta: je.DT}
	if je.Addr != nil {
		access, err := ParseAccessType(je.Access)
		if err != nil {
			return ev, err
		}
		ev.Kind = MemAccess
		ev.Addr = *je.Addr
		if je.Width > math.MaxUint32 {
			return ev, fmt.Errorf("access width %d overflows uint32", je.Width)
		}
		ev.Width = uint32(je.Width)
		ev.Mask = je.Mask
		ev.Access = access
	}
	if len(je.Aux) > 0 {
		vals, err := auxFromJSON(j.aux, je.Aux)
		if err != nil {
			return ev, fmt.Errorf("aux: %w", err)
		}
		ev.Aux = vals
	}
	return ev, nil
}

func auxFromJSON(fields []fieldcodec.Field, obj map[string]any) ([]any, error) {
	vals := make([]any, len(fields))
	for i, f := range fields {
		raw, ok := obj[f.Name]
		if !ok || raw == nil {
			continue
		}
		v, err := coerce(f, raw)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}

// coerce converts a generic JSON value to the Go type of f. Integers may be
// given as numbers or as strings (decimal or 0x-hex) to keep 64-bit
// precision.
func coerce(f fieldcodec.Field, raw any) (any, error) {
	switch f.Kind {
	case fieldcodec.Int32, fieldcodec.Int64, fieldcodec.Enum:
		x, err := jsonInt(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name, err)
		}
		if f.Kind == fieldcodec.Int64 {
			return x, nil
		}
		if x < math.MinInt32 || x > math.MaxInt32 {
			return nil, fmt.Errorf("%s: %d overflows int32", f.Name, x)
		}
		return int32(x), nil
	case fieldcodec.UInt32, fieldcodec.UInt64:
		x, err := jsonUint(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Name, err)
		}
		if f.Kind == fieldcodec.UInt64 {
			return x, nil
		}
		if x > math.MaxUint32 {
			return nil, fmt.Errorf("%s: %d overflows uint32", f.Name, x)
		}
		return uint32(x), nil
	case fieldcodec.Float, fieldcodec.Double:
		x, ok := raw.(float64)
		if !ok {
			return nil, fmt.Errorf("%s: want number, got %T", f.Name, raw)
		}
		if f.Kind == fieldcodec.Float {
			return float32(x), nil
		}
		return x, nil
	case fieldcodec.Bool:
		x, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("%s: want bool, got %T", f.Name, raw)
		}
		return x, nil
	case fieldcodec.String:
		x, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("%s: want string, got %T", f.Name, raw)
		}
		return x, nil
	case fieldcodec.Message:
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: want object, got %T", f.Name, raw)
		}
		return auxFromJSON(f.Fields, obj)
	case fieldcodec.Repeated:
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("%s: want array, got %T", f.Name, raw)
		}
		out := make([]any, len(list))
		for i, item := range list {
			v, err := coerce(*f.Elem, item)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", f.Name, i, err)
			}
			out[i] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s: unsupported kind %v", f.Name, f.Kind)
	}
}

func jsonInt(raw any) (int64, error) {
	switch x := raw.(type) {
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("%v is not an integer", x)
		}
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 0, 64)
	default:
		return 0, fmt.Errorf("want integer, got %T", raw)
	}
}

func jsonUint(raw any) (uint64, error) {
	switch x := raw.(type) {
	case float64:
		if x < 0 || x != math.Trunc(x) {
			return 0, fmt.Errorf("%v is not an unsigned integer", x)
		}
		return uint64(x), nil
	case string:
		return strconv.ParseUint(x, 0, 64)
	default:
		return 0, fmt.Errorf("want unsigned integer, got %T", raw)
	}
}

// auxToJSON is the inverse of auxFromJSON. 64-bit integers are rendered as
// strings so they survive a round trip.
func auxToJSON(fields []fieldcodec.Field, vals []any) map[string]any {
	obj := make(map[string]any, len(vals))
	for i, v := range vals {
		if v == nil || i >= len(fields) {
			continue
		}
		obj[fields[i].Name] = valueToJSON(fields[i], v)
	}
	return obj
}

func valueToJSON(f fieldcodec.Field, v any) any {
	switch f.Kind {
	case fieldcodec.Int64:
		if x, ok := v.(int64); ok {
			return strconv.FormatInt(x, 10)
		}
	case fieldcodec.UInt64:
		if x, ok := v.(uint64); ok {
			return "0x" + strconv.FormatUint(x, 16)
		}
	case fieldcodec.Message:
		if vals, ok := v.([]any); ok {
			return auxToJSON(f.Fields, vals)
		}
	case fieldcodec.Repeated:
		if list, ok := v.([]any); ok {
			out := make([]any, len(list))
			for i, item := range list {
				out[i] = valueToJSON(*f.Elem, item)
			}
			return out
		}
	}
	return v
}

// JSONLWriter renders events in the JSON-lines format.
type JSONLWriter struct {
	w   *bufio.Writer
	aux []fieldcodec.Field
}

// NewJSONLWriter writes to w. Call Flush when done.
func NewJSONLWriter(w io.Writer, aux []fieldcodec.Field) *JSONLWriter {
	return &JSONLWriter{w: bufio.NewWriter(w), aux: aux}
}

// Write appends one event line.
func (j *JSONLWriter) Write(ev Event) error {
	je := jsonEvent{IP: ev.IP, DT: ev.TimeDelta}
	if ev.Kind == MemAccess {
		addr := ev.Addr
		je.Addr = &addr
		je.Width = uint64(ev.Width)
		je.Mask = ev.Mask
		je.Access = ev.Access.Letter()
	}
	if len(ev.Aux) > 0 {
		je.Aux = auxToJSON(j.aux, ev.Aux)
	}
	b, err := sonnet.Marshal(je)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := j.w.Write(b); err != nil {
		return err
	}
	return j.w.WriteByte('\n')
}

// Flush writes buffered lines to the underlying writer.
func (j *JSONLWriter) Flush() error {
	return j.w.Flush()
}
