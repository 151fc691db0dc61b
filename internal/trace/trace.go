// Package trace defines the dynamic execution trace consumed by the EC
// importer and the on-disk formats it is stored in.
package trace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/danceos/fail-sub001/internal/fieldcodec"
)

// Kind distinguishes instruction fetches from memory accesses.
type Kind uint8

const (
	Fetch Kind = iota + 1
	MemAccess
)

func (k Kind) String() string {
	switch k {
	case Fetch:
		return "fetch"
	case MemAccess:
		return "access"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// AccessType is the direction of a memory access.
type AccessType uint8

const (
	Read AccessType = iota + 1
	Write
)

// Letter is the single-character form used in the store ('R' or 'W').
func (a AccessType) Letter() string {
	switch a {
	case Read:
		return "R"
	case Write:
		return "W"
	default:
		return "?"
	}
}

func (a AccessType) String() string {
	switch a {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return fmt.Sprintf("AccessType(%d)", uint8(a))
	}
}

// ParseAccessType accepts R/W, read/write (any case).
func ParseAccessType(s string) (AccessType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "r", "read":
		return Read, nil
	case "w", "write":
		return Write, nil
	default:
		return 0, fmt.Errorf("unknown access type %q", s)
	}
}

// Event is one trace record. Fetch events advance the dynamic instruction
// counter; MemAccess events belong to the most recently fetched instruction.
// TimeDelta is added to the logical clock before the event takes effect.
type Event struct {
	Kind      Kind
	IP        uint64
	Addr      uint64
	Width     uint32
	Mask      uint8 // sub-byte mask for single-byte accesses; 0 = whole bytes
	Access    AccessType
	TimeDelta uint64
	Aux       []any // positional, per the reader's aux schema
}

// Reader yields events in trace order. Next returns io.EOF at end of stream.
type Reader interface {
	Next() (Event, error)
}

// ReadCloser is a Reader owning an underlying file.
type ReadCloser interface {
	Reader
	io.Closer
}

// Formats accepted by Open.
const (
	FormatAuto  = "auto"
	FormatProto = "proto"
	FormatJSONL = "jsonl"
)

// Open opens a trace file. FormatAuto picks JSON lines for .jsonl/.json
// files and the framed protobuf format otherwise.
func Open(path, format string, aux []fieldcodec.Field) (ReadCloser, error) {
	if format == "" || format == FormatAuto {
		switch strings.ToLower(filepath.Ext(strings.TrimSuffix(path, ".gz"))) {
		case ".jsonl", ".json":
			format = FormatJSONL
		default:
			format = FormatProto
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	var r Reader
	switch format {
	case FormatProto:
		r, err = NewProtoReader(f, aux)
	case FormatJSONL:
		r, err = NewJSONLReader(f, aux)
	default:
		err = fmt.Errorf("unknown trace format %q", format)
	}
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &fileReader{Reader: r, f: f}, nil
}

type fileReader struct {
	Reader
	f *os.File
}

func (r *fileReader) Close() error {
	if c, ok := r.Reader.(io.Closer); ok {
		_ = c.Close()
	}
	return r.f.Close()
}

// SliceReader replays an in-memory event list.
type SliceReader struct {
	events []Event
	pos    int
}

// NewSliceReader returns a reader over events.
func NewSliceReader(events []Event) *SliceReader {
	return &SliceReader{events: events}
}

// Next implements Reader.
func (s *SliceReader) Next() (Event, error) {
	if s.pos >= len(s.events) {
		return Event{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}
