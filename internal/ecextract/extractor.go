package ecextract

import (
	"errors"
	"fmt"
	"sort"

	"github.com/danceos/fail-sub001/internal/faultspace"
	"github.com/danceos/fail-sub001/internal/store"
	"github.com/danceos/fail-sub001/internal/trace"
)

// Sink receives closed EC rows. store.BatchWriter implements it.
type Sink interface {
	Add(row store.ECRow) error
}

// Options configures an Extractor.
type Options struct {
	// RightMargin is the access type recorded on rows closed by the end of
	// the trace. It has no default.
	RightMargin trace.AccessType
	// Region, when set, keeps bits that were never accessed: their synthetic
	// margins are closed as SyntheticUnused rows for addresses it contains.
	// Without a region those bits are dropped.
	Region faultspace.Filter
}

// ErrNoRightMargin is returned when Options.RightMargin is not set.
var ErrNoRightMargin = errors.New("right margin access type not set")

type tracked struct {
	address uint64
	stack   marginStack
}

// Extractor owns the margin stacks of one extraction run. It is not safe for
// concurrent use; independent runs use independent extractors.
type Extractor struct {
	opts    Options
	sink    Sink
	start   uint64
	open    map[faultspace.Element]*tracked
	rows    int64
	skipped int64
}

// NewExtractor returns an extractor that sends rows to sink. start is the
// logical time at which the trace begins.
func NewExtractor(sink Sink, start uint64, opts Options) (*Extractor, error) {
	if opts.RightMargin != trace.Read && opts.RightMargin != trace.Write {
		return nil, ErrNoRightMargin
	}
	return &Extractor{
		opts:  opts,
		sink:  sink,
		start: start,
		open:  make(map[faultspace.Element]*tracked),
	}, nil
}

// Rows is the number of rows emitted so far.
func (x *Extractor) Rows() int64 { return x.rows }

// Skipped is the number of closings suppressed because the margin lies
// after the closing point.
func (x *Extractor) Skipped() int64 { return x.skipped }

// Margins returns a copy of the open margins of el, oldest first.
func (x *Extractor) Margins(el faultspace.Element) []Margin {
	t, ok := x.open[el]
	if !ok {
		return nil
	}
	return append([]Margin(nil), t.stack...)
}

func (x *Extractor) lookup(acc faultspace.Access) *tracked {
	t, ok := x.open[acc.Element]
	if !ok {
		t = &tracked{address: acc.Address}
		t.stack.push(Margin{Point: Point{Time: x.start}, Mask: faultspace.FullMask, Synthetic: true})
		x.open[acc.Element] = t
	}
	return t
}

// Seed starts tracking acc's element with a synthetic full margin if it is
// not tracked yet. Seeded elements that are never accessed produce one
// SyntheticUnused row each when the run is closed with a Region that
// contains them.
func (x *Extractor) Seed(acc faultspace.Access) {
	x.lookup(acc)
}

func (x *Extractor) emit(address uint64, c closing, cur Point, access trace.AccessType, origin store.Origin, aux []any) error {
	m := c.margin
	if m.Time > cur.Time || m.DynInstr > cur.DynInstr {
		x.skipped++
		return nil
	}
	row := store.ECRow{
		Address:    address,
		Mask:       c.overlap,
		InstrBegin: m.DynInstr,
		InstrEnd:   cur.DynInstr,
		TimeBegin:  m.Time,
		TimeEnd:    cur.Time,
		Access:     access,
		Origin:     origin,
		Aux:        aux,
	}
	if m.HasIP {
		row.InstrBeginIP = store.Addr(m.IP)
	}
	if cur.HasIP {
		row.InstrEndIP = store.Addr(cur.IP)
	}
	if err := x.sink.Add(row); err != nil {
		return fmt.Errorf("emit ec %#x/%#02x@%d: %w", address, c.overlap, cur.DynInstr, err)
	}
	x.rows++
	return nil
}

// CloseAndReopen records an access to the bits acc.Mask of acc.Element at
// cur. Every open interval covering those bits is closed at cur with the
// given access type, and a new interval is opened for them starting right
// after cur.
func (x *Extractor) CloseAndReopen(acc faultspace.Access, cur Point, access trace.AccessType, aux []any) error {
	if acc.Mask == 0 {
		return nil
	}
	t := x.lookup(acc)
	for _, c := range t.stack.take(acc.Mask) {
		if err := x.emit(t.address, c, cur, access, store.Observed, aux); err != nil {
			return err
		}
	}
	t.stack.push(Margin{
		Point: Point{DynInstr: cur.DynInstr + 1, Time: cur.Time + 1, IP: cur.IP, HasIP: cur.HasIP},
		Mask:  acc.Mask,
	})
	return nil
}

// CloseAllOpen closes every open interval at last and forgets all margins.
// Elements are finalized in address order.
func (x *Extractor) CloseAllOpen(last Point) error {
	list := make([]*tracked, 0, len(x.open))
	for _, t := range x.open {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].address < list[j].address })

	for _, t := range list {
		keepUnused := x.opts.Region != nil && x.opts.Region.Contains(t.address)
		for _, m := range t.stack {
			origin := store.SyntheticClosing
			if m.Synthetic {
				if !keepUnused {
					continue
				}
				origin = store.SyntheticUnused
			}
			c := closing{margin: m, overlap: m.Mask}
			if err := x.emit(t.address, c, last, x.opts.RightMargin, origin, nil); err != nil {
				return err
			}
		}
	}
	clear(x.open)
	return nil
}
