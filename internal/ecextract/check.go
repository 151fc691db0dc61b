package ecextract

import (
	"context"
	"fmt"
	"math/bits"

	"github.com/danceos/fail-sub001/internal/store"
)

// CheckKind names an invariant a set of EC rows must satisfy.
type CheckKind uint8

const (
	OverlapInstr CheckKind = iota + 1
	OverlapTime
	CoverageInstr
	CoverageTime
	RectInstr
	RectTime
)

func (k CheckKind) String() string {
	switch k {
	case OverlapInstr:
		return "overlap-instr"
	case OverlapTime:
		return "overlap-time"
	case CoverageInstr:
		return "coverage-instr"
	case CoverageTime:
		return "coverage-time"
	case RectInstr:
		return "rect-instr"
	case RectTime:
		return "rect-time"
	default:
		return fmt.Sprintf("CheckKind(%d)", uint8(k))
	}
}

// Violation is one failed invariant. Mask holds the affected bits.
type Violation struct {
	Kind    CheckKind
	Address uint64
	Mask    uint8
	Detail  string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s %#x/%#02x: %s", v.Kind, v.Address, v.Mask, v.Detail)
}

// Report is the result of Check.
type Report struct {
	Keys       int
	Rows       int64
	MinInstr   uint64
	MaxInstr   uint64
	MinTime    uint64
	MaxTime    uint64
	Violations []Violation
}

// OK reports whether no invariant was violated.
func (r Report) OK() bool { return len(r.Violations) == 0 }

// MaxOverlaps bounds the overlapping pairs reported per dimension.
const MaxOverlaps = 1000

// bitStats accumulates the rows covering one bit of one address.
type bitStats struct {
	seen                       bool
	minInstr, maxInstr, sumIns uint64
	minTime, maxTime, sumTime  uint64
}

// Check verifies the EC rows of a variant: per bit, rows must not overlap in
// instructions or time, must cover the global span in both dimensions, and
// must all start and end at the global bounds. Violations are reported; rows
// are never modified.
func Check(ctx context.Context, st store.Store, variantID int64) (Report, error) {
	var rep Report
	keys, err := st.KeyStats(ctx, variantID)
	if err != nil {
		return rep, fmt.Errorf("check variant %d: %w", variantID, err)
	}
	rep.Keys = len(keys)
	if len(keys) == 0 {
		return rep, nil
	}

	var order []uint64
	perAddr := make(map[uint64]*[8]bitStats)
	for i, k := range keys {
		rep.Rows += k.Rows
		if i == 0 || k.MinInstr < rep.MinInstr {
			rep.MinInstr = k.MinInstr
		}
		if i == 0 || k.MinTime < rep.MinTime {
			rep.MinTime = k.MinTime
		}
		rep.MaxInstr = max(rep.MaxInstr, k.MaxInstr)
		rep.MaxTime = max(rep.MaxTime, k.MaxTime)

		b, ok := perAddr[k.Address]
		if !ok {
			b = new([8]bitStats)
			perAddr[k.Address] = b
			order = append(order, k.Address)
		}
		for m := k.Mask; m != 0; m &= m - 1 {
			s := &b[bits.TrailingZeros8(m)]
			if !s.seen || k.MinInstr < s.minInstr {
				s.minInstr = k.MinInstr
			}
			if !s.seen || k.MinTime < s.minTime {
				s.minTime = k.MinTime
			}
			s.maxInstr = max(s.maxInstr, k.MaxInstr)
			s.maxTime = max(s.maxTime, k.MaxTime)
			s.sumIns += k.SumInstr
			s.sumTime += k.SumTime
			s.seen = true
		}
	}

	for _, dim := range []store.Dimension{store.DimInstr, store.DimTime} {
		overlaps, err := st.Overlaps(ctx, variantID, dim, MaxOverlaps)
		if err != nil {
			return rep, fmt.Errorf("check variant %d: %w", variantID, err)
		}
		kind := OverlapInstr
		if dim == store.DimTime {
			kind = OverlapTime
		}
		for _, o := range overlaps {
			rep.Violations = append(rep.Violations, Violation{
				Kind:    kind,
				Address: o.Address,
				Mask:    o.FirstMask & o.SecondMask,
				Detail: fmt.Sprintf("[%d,%d] (mask %#02x) intersects [%d,%d] (mask %#02x)",
					o.FirstBegin, o.FirstEnd, o.FirstMask, o.SecondBegin, o.SecondEnd, o.SecondMask),
			})
		}
	}

	spanInstr := rep.MaxInstr - rep.MinInstr + 1
	spanTime := rep.MaxTime - rep.MinTime + 1
	for _, addr := range order {
		b := perAddr[addr]
		rep.Violations = append(rep.Violations,
			bitViolations(CoverageInstr, addr, b, func(s bitStats) (bool, string) {
				return s.sumIns == spanInstr, fmt.Sprintf("covers %d of %d instructions", s.sumIns, spanInstr)
			})...)
		rep.Violations = append(rep.Violations,
			bitViolations(CoverageTime, addr, b, func(s bitStats) (bool, string) {
				return s.sumTime == spanTime, fmt.Sprintf("covers %d of %d time units", s.sumTime, spanTime)
			})...)
		rep.Violations = append(rep.Violations,
			bitViolations(RectInstr, addr, b, func(s bitStats) (bool, string) {
				return s.minInstr == rep.MinInstr && s.maxInstr == rep.MaxInstr,
					fmt.Sprintf("spans [%d,%d], want [%d,%d]", s.minInstr, s.maxInstr, rep.MinInstr, rep.MaxInstr)
			})...)
		rep.Violations = append(rep.Violations,
			bitViolations(RectTime, addr, b, func(s bitStats) (bool, string) {
				return s.minTime == rep.MinTime && s.maxTime == rep.MaxTime,
					fmt.Sprintf("spans [%d,%d], want [%d,%d]", s.minTime, s.maxTime, rep.MinTime, rep.MaxTime)
			})...)
	}
	return rep, nil
}

// bitViolations runs ok over the seen bits of one address and merges failing
// bits with the same detail into one violation.
func bitViolations(kind CheckKind, addr uint64, b *[8]bitStats, ok func(bitStats) (bool, string)) []Violation {
	var out []Violation
	index := make(map[string]int)
	for i, s := range b {
		if !s.seen {
			continue
		}
		good, detail := ok(s)
		if good {
			continue
		}
		if j, found := index[detail]; found {
			out[j].Mask |= 1 << i
			continue
		}
		index[detail] = len(out)
		out = append(out, Violation{Kind: kind, Address: addr, Mask: 1 << i, Detail: detail})
	}
	return out
}
