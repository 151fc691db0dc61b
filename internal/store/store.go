package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/danceos/fail-sub001/internal/trace"
)

// DefaultDBPath is the default relative path for the SQLite DB.
// Open() creates the parent dir (e.g. .fsp).
const DefaultDBPath = ".fsp/fsp.db"

// ErrStore marks persistence failures. Every error returned by a Store
// method wraps it, so callers can tell a store failure from a domain error.
var ErrStore = errors.New("store failure")

// Error is a failed store operation.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return e.Op + ": " + e.Err.Error() }

// Unwrap exposes both the cause and ErrStore to errors.Is.
func (e *Error) Unwrap() []error { return []error{ErrStore, e.Err} }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Origin says how an EC row came to be.
type Origin uint8

const (
	// Observed rows are closed by a real read or write in the trace.
	Observed Origin = iota + 1
	// SyntheticClosing rows close an interval opened by a real access when
	// the trace ends.
	SyntheticClosing
	// SyntheticUnused rows cover bits that were never accessed at all.
	SyntheticUnused
)

func (o Origin) String() string {
	switch o {
	case Observed:
		return "observed"
	case SyntheticClosing:
		return "closing"
	case SyntheticUnused:
		return "unused"
	default:
		return fmt.Sprintf("Origin(%d)", uint8(o))
	}
}

func parseOrigin(s string) (Origin, error) {
	switch s {
	case "observed":
		return Observed, nil
	case "closing":
		return SyntheticClosing, nil
	case "unused":
		return SyntheticUnused, nil
	default:
		return 0, fmt.Errorf("unknown origin %q", s)
	}
}

// NullAddr is an optional instruction address.
type NullAddr struct {
	Addr  uint64
	Valid bool
}

// Addr wraps a known address.
func Addr(a uint64) NullAddr { return NullAddr{Addr: a, Valid: true} }

// Variant is one (target build, workload) pair; all rows are partitioned by it.
type Variant struct {
	ID        int64
	Variant   string
	Benchmark string
}

func (v Variant) String() string { return v.Variant + "/" + v.Benchmark }

// VariantFilter selects variants with SQL LIKE patterns. Empty include lists
// match everything.
type VariantFilter struct {
	Variants          []string
	Benchmarks        []string
	ExcludeVariants   []string
	ExcludeBenchmarks []string
}

// ECRow is one closed equivalence class for the bits Mask of the byte at
// Address. Instruction and time ranges are inclusive on both ends.
type ECRow struct {
	VariantID    int64
	Address      uint64
	Mask         uint8
	InstrBegin   uint64
	InstrBeginIP NullAddr
	InstrEnd     uint64
	InstrEndIP   NullAddr
	TimeBegin    uint64
	TimeEnd      uint64
	Access       trace.AccessType
	Origin       Origin
	Aux          []any // positional, per the store's aux schema
}

// Duration is the EC length in time units.
func (r ECRow) Duration() uint64 { return r.TimeEnd - r.TimeBegin + 1 }

// Pilot is one fault-injection experiment derived from one or more ECs.
type Pilot struct {
	ID           int64
	VariantID    int64
	MethodID     int64
	Address      uint64
	Mask         uint8
	InstrEnd     uint64 // closing instruction of the EC; the injection point
	InstrEndIP   NullAddr
	Weight       uint64
	KnownOutcome bool
}

// Dimension selects the instruction or the time axis of an EC.
type Dimension int

const (
	DimInstr Dimension = iota
	DimTime
)

func (d Dimension) String() string {
	if d == DimTime {
		return "time"
	}
	return "instr"
}

// KeyStats aggregates the EC rows of one (address, mask) key. Sums are of
// inclusive lengths.
type KeyStats struct {
	Address  uint64
	Mask     uint8
	Rows     int64
	MinInstr uint64
	MaxInstr uint64
	SumInstr uint64
	MinTime  uint64
	MaxTime  uint64
	SumTime  uint64
}

// Overlap is a pair of rows of the same address whose masks share bits and
// whose ranges intersect.
type Overlap struct {
	Address     uint64
	FirstMask   uint8
	FirstBegin  uint64
	FirstEnd    uint64
	SecondMask  uint8
	SecondBegin uint64
	SecondEnd   uint64
}

// Store is the persistence facade for variants, EC rows and pilots.
// Implementations are SQLite (SqlStore) and in-memory (MemStore).
// A Store is used by one worker at a time.
type Store interface {
	// CreateSchema creates missing tables; calling it again is a no-op.
	CreateSchema(ctx context.Context) error

	// Variants
	GetOrCreateVariant(ctx context.Context, variant, benchmark string) (Variant, error)
	ListVariants(ctx context.Context, f VariantFilter) ([]Variant, error)
	// MethodID returns the id of a pruning method, registering it on first use.
	MethodID(ctx context.Context, method string) (int64, error)

	// EC rows
	ClearECs(ctx context.Context, variantID int64) error
	InsertECs(ctx context.Context, rows []ECRow) error
	ReadECs(ctx context.Context, variantID int64, access trace.AccessType) ([]ECRow, error)
	CountECs(ctx context.Context, variantID int64) (int64, error)

	// Pilots
	ClearPilots(ctx context.Context, variantID, methodID int64) error
	InsertPilots(ctx context.Context, pilots []Pilot) error
	AddPilotWeight(ctx context.Context, pilotID int64, delta uint64) error
	ListPilots(ctx context.Context, variantID, methodID int64) ([]Pilot, error)
	CountPilots(ctx context.Context, variantID, methodID int64) (int64, error)

	// Invariant-check queries
	KeyStats(ctx context.Context, variantID int64) ([]KeyStats, error)
	Overlaps(ctx context.Context, variantID int64, dim Dimension, limit int) ([]Overlap, error)

	Close() error
}
