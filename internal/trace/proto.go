package trace

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/gzip"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/danceos/fail-sub001/internal/fieldcodec"
)

// Framed protobuf trace format: every record is a 4-byte big-endian length
// followed by one event message with these fields.
const (
	fieldIP        protowire.Number = 1
	fieldMemAddr   protowire.Number = 2
	fieldWidth     protowire.Number = 3
	fieldAccess    protowire.Number = 4
	fieldTimeDelta protowire.Number = 5
	fieldAux       protowire.Number = 6
	fieldMask      protowire.Number = 7
)

// maxRecord bounds a single framed record.
const maxRecord = 1 << 24

// ProtoReader decodes the framed protobuf format, transparently
// decompressing gzip input.
type ProtoReader struct {
	r   *bufio.Reader
	gz  *gzip.Reader
	aux []fieldcodec.Field
	buf []byte
	n   uint64
}

// NewProtoReader wraps r. aux describes the nested aux message, if any.
func NewProtoReader(r io.Reader, aux []fieldcodec.Field) (*ProtoReader, error) {
	br := bufio.NewReader(r)
	pr := &ProtoReader{r: br, aux: aux}
	magic, err := br.Peek(2)
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open gzip trace: %w", err)
		}
		pr.gz = gz
		pr.r = bufio.NewReader(gz)
	}
	return pr, nil
}

// Close releases the decompressor, if any.
func (p *ProtoReader) Close() error {
	if p.gz != nil {
		return p.gz.Close()
	}
	return nil
}

// Next implements Reader.
func (p *ProtoReader) Next() (Event, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(p.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Event{}, io.EOF
		}
		return Event{}, fmt.Errorf("record %d: read length: %w", p.n, err)
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxRecord {
		return Event{}, fmt.Errorf("record %d: length %d exceeds limit", p.n, size)
	}
	if cap(p.buf) < int(size) {
		p.buf = make([]byte, size)
	}
	p.buf = p.buf[:size]
	if _, err := io.ReadFull(p.r, p.buf); err != nil {
		return Event{}, fmt.Errorf("record %d: read body: %w", p.n, err)
	}
	ev, err := p.decode(p.buf)
	if err != nil {
		return Event{}, fmt.Errorf("record %d: %w", p.n, err)
	}
	p.n++
	return ev, nil
}

func (p *ProtoReader) decode(b []byte) (Event, error) {
	ev := Event{Kind: Fetch}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ev, protowire.ParseError(n)
		}
		b = b[n:]
		if num == fieldAux {
			if typ != protowire.BytesType {
				return ev, fmt.Errorf("aux: unexpected wire type %d", typ)
			}
			inner, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return ev, protowire.ParseError(n)
			}
			aux, err := fieldcodec.DecodeMessage(p.aux, inner)
			if err != nil {
				return ev, fmt.Errorf("aux: %w", err)
			}
			ev.Aux = aux
			b = b[n:]
			continue
		}
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return ev, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return ev, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case fieldIP:
			ev.IP = v
		case fieldMemAddr:
			ev.Kind = MemAccess
			ev.Addr = v
		case fieldWidth:
			if v > math.MaxUint32 {
				return ev, fmt.Errorf("access width %d overflows uint32", v)
			}
			ev.Width = uint32(v)
		case fieldAccess:
			ev.Access = AccessType(v)
		case fieldTimeDelta:
			ev.TimeDelta = v
		case fieldMask:
			if v > math.MaxUint8 {
				return ev, fmt.Errorf("access mask %d overflows uint8", v)
			}
			ev.Mask = uint8(v)
		}
	}
	if ev.Kind == MemAccess && ev.Access != Read && ev.Access != Write {
		return ev, fmt.Errorf("access at %#x: invalid access type %d", ev.Addr, ev.Access)
	}
	return ev, nil
}

// ProtoWriter encodes events in the framed protobuf format.
type ProtoWriter struct {
	w   *bufio.Writer
	aux []fieldcodec.Field
	buf []byte
}

// NewProtoWriter writes framed events to w. Call Flush when done.
func NewProtoWriter(w io.Writer, aux []fieldcodec.Field) *ProtoWriter {
	return &ProtoWriter{w: bufio.NewWriter(w), aux: aux}
}

// Write appends one event.
func (p *ProtoWriter) Write(ev Event) error {
	b := p.buf[:0]
	b = protowire.AppendTag(b, fieldIP, protowire.VarintType)
	b = protowire.AppendVarint(b, ev.IP)
	if ev.Kind == MemAccess {
		b = protowire.AppendTag(b, fieldMemAddr, protowire.VarintType)
		b = protowire.AppendVarint(b, ev.Addr)
		b = protowire.AppendTag(b, fieldWidth, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ev.Width))
		b = protowire.AppendTag(b, fieldAccess, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(ev.Access))
		if ev.Mask != 0 {
			b = protowire.AppendTag(b, fieldMask, protowire.VarintType)
			b = protowire.AppendVarint(b, uint64(ev.Mask))
		}
	}
	if ev.TimeDelta != 0 {
		b = protowire.AppendTag(b, fieldTimeDelta, protowire.VarintType)
		b = protowire.AppendVarint(b, ev.TimeDelta)
	}
	if len(ev.Aux) > 0 {
		inner, err := fieldcodec.EncodeMessage(p.aux, ev.Aux)
		if err != nil {
			return fmt.Errorf("encode aux: %w", err)
		}
		b = protowire.AppendTag(b, fieldAux, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}
	p.buf = b

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := p.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	if _, err := p.w.Write(b); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// Flush writes buffered records to the underlying writer.
func (p *ProtoWriter) Flush() error {
	return p.w.Flush()
}
