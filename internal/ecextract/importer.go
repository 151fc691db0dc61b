package ecextract

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/danceos/fail-sub001/internal/faultspace"
	"github.com/danceos/fail-sub001/internal/logging"
	"github.com/danceos/fail-sub001/internal/trace"
)

var (
	// ErrCounterOverflow aborts an import whose instruction or time counter
	// leaves the range storable in a signed 64-bit column.
	ErrCounterOverflow = errors.New("trace counter overflow")
	// ErrTooManyDecodeFailures aborts an import once the configured number
	// of undecodable accesses is exceeded.
	ErrTooManyDecodeFailures = errors.New("too many decode failures")
)

// DecodeError is an access whose address could not be mapped to the fault
// space. It wraps faultspace.ErrDecode.
type DecodeError struct {
	Addr     uint64
	Width    uint32
	DynInstr uint64
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("instr %d: access %#x+%d: %v", e.DynInstr, e.Addr, e.Width, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ImportOptions configures an Importer.
type ImportOptions struct {
	RightMargin trace.AccessType
	// MemoryMap restricts tracking to the addresses it contains and keeps
	// never-accessed elements inside it. Nil tracks every address.
	MemoryMap *faultspace.MemoryMap
	// MaxDecodeFailures is the number of tolerated decode failures; 0 means
	// unlimited.
	MaxDecodeFailures int
}

// Stats summarizes one import.
type Stats struct {
	Events         int64
	Instructions   int64
	Accesses       int64
	Rows           int64
	DecodeFailures int64
	Skipped        int64 // zero-length closings suppressed
	Orphans        int64 // accesses before the first fetch
}

// Importer replays a trace through an Extractor.
type Importer struct {
	space *faultspace.Space
	opts  ImportOptions
	log   *slog.Logger
}

// NewImporter returns an importer decoding addresses with space.
func NewImporter(space *faultspace.Space, opts ImportOptions) (*Importer, error) {
	if opts.RightMargin != trace.Read && opts.RightMargin != trace.Write {
		return nil, ErrNoRightMargin
	}
	return &Importer{space: space, opts: opts, log: logging.New("ecextract")}, nil
}

func addCounter(cur, delta uint64) (uint64, error) {
	if delta > math.MaxInt64 || cur > math.MaxInt64-delta {
		return 0, ErrCounterOverflow
	}
	return cur + delta, nil
}

// Run reads r to the end and sends the EC rows to sink. The first fetch is
// instruction 0; every event advances the clock by its TimeDelta. Accesses
// are stamped with the time of their instruction's fetch, so the deltas of
// access events only move the following fetch. The trace starts at the time
// of its first event. An empty trace produces no rows.
func (im *Importer) Run(r trace.Reader, sink Sink) (Stats, error) {
	var (
		st      Stats
		x       *Extractor
		now     uint64
		cur     Point
		fetched bool
		filter  faultspace.Filter
	)
	if im.opts.MemoryMap != nil {
		filter = im.opts.MemoryMap
	}

	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return st, fmt.Errorf("read trace: %w", err)
		}
		st.Events++
		if now, err = addCounter(now, ev.TimeDelta); err != nil {
			return st, fmt.Errorf("event %d: %w", st.Events, err)
		}
		if x == nil {
			if x, err = NewExtractor(sink, now, Options{RightMargin: im.opts.RightMargin, Region: filter}); err != nil {
				return st, err
			}
		}

		switch ev.Kind {
		case trace.Fetch:
			if fetched {
				if cur.DynInstr, err = addCounter(cur.DynInstr, 1); err != nil {
					return st, fmt.Errorf("event %d: %w", st.Events, err)
				}
			}
			fetched = true
			cur.IP, cur.HasIP = ev.IP, true
			cur.Time = now
			st.Instructions++
		case trace.MemAccess:
			if !fetched {
				st.Orphans++
				continue
			}
			st.Accesses++
			if err := im.access(x, ev, cur, filter, &st); err != nil {
				return st, err
			}
		default:
			return st, fmt.Errorf("event %d: unknown kind %v", st.Events, ev.Kind)
		}
	}

	if x == nil || !fetched {
		im.log.Info("empty trace", "events", st.Events)
		return st, nil
	}
	if im.opts.MemoryMap != nil {
		for _, acc := range im.opts.MemoryMap.Elements(im.space) {
			x.Seed(acc)
		}
	}
	if err := x.CloseAllOpen(cur); err != nil {
		return st, err
	}
	st.Rows, st.Skipped = x.Rows(), x.Skipped()
	im.log.Debug("import done",
		"instructions", st.Instructions, "accesses", st.Accesses, "rows", st.Rows,
		"decode_failures", st.DecodeFailures, "skipped", st.Skipped)
	return st, nil
}

func (im *Importer) access(x *Extractor, ev trace.Event, cur Point, filter faultspace.Filter, st *Stats) error {
	accs, err := im.space.Translate(ev.Addr, ev.Width, ev.Mask, filter)
	if err != nil {
		derr := &DecodeError{Addr: ev.Addr, Width: ev.Width, DynInstr: cur.DynInstr, Err: err}
		st.DecodeFailures++
		im.log.Warn("skipping undecodable access", "address", fmt.Sprintf("%#x", ev.Addr), "error", derr)
		if im.opts.MaxDecodeFailures > 0 && st.DecodeFailures > int64(im.opts.MaxDecodeFailures) {
			return fmt.Errorf("%w: %d (limit %d): %w", ErrTooManyDecodeFailures,
				st.DecodeFailures, im.opts.MaxDecodeFailures, derr)
		}
		return nil
	}
	for _, acc := range accs {
		if err := x.CloseAndReopen(acc, cur, ev.Access, ev.Aux); err != nil {
			return err
		}
	}
	return nil
}
