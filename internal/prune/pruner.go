// Package prune selects fault-injection experiments ("pilots") from the
// equivalence classes of a variant.
package prune

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/danceos/fail-sub001/internal/store"
)

// Method names, as registered in the store.
const (
	MethodBasic          = "basic"
	MethodSampling       = "sampling"
	MethodFaultExpansion = "fault-expansion"
)

// DefaultSampleSize is the number of draws when Options.SampleSize is 0.
const DefaultSampleSize = 1000

var (
	ErrUnknownMethod = errors.New("unknown pruning method")
	ErrKnownResults  = errors.New("basic pruning cannot use known results")
)

// Options configures a pruner.
type Options struct {
	SampleSize int
	// Incremental keeps the pilots of previous runs and extends them.
	Incremental bool
	// UseKnownResults takes the ECs from the pilots of a previous basic run
	// instead of the trace rows.
	UseKnownResults bool
	// NoWeighting samples every EC with the same probability.
	NoWeighting bool
	// Seed seeds the draw sequence; 0 derives one from the clock.
	Seed uint64
}

// Result summarizes one pruning run of one variant.
type Result struct {
	Variant    store.Variant
	Method     string
	Population int    // candidate ECs
	Pilots     int    // pilots created
	Updated    int    // existing pilots that gained weight
	Weight     uint64 // weight written by this run
	Seed       uint64 // 0 for methods that do not sample
}

// Pruner derives pilots for a variant and writes them to the store.
type Pruner interface {
	Method() string
	Prune(ctx context.Context, st store.Store, v store.Variant) (Result, error)
}

// New returns the pruner registered under method.
func New(method string, opts Options) (Pruner, error) {
	if opts.SampleSize <= 0 {
		opts.SampleSize = DefaultSampleSize
	}
	switch method {
	case MethodBasic:
		if opts.UseKnownResults {
			return nil, ErrKnownResults
		}
		return &Basic{opts: opts}, nil
	case MethodSampling:
		return &Sampling{opts: opts}, nil
	case MethodFaultExpansion:
		return &FaultExpansion{opts: opts}, nil
	default:
		return nil, fmt.Errorf("%w %q (want %s, %s or %s)", ErrUnknownMethod, method,
			MethodBasic, MethodSampling, MethodFaultExpansion)
	}
}

// Methods lists the registered method names.
func Methods() []string {
	return []string{MethodBasic, MethodSampling, MethodFaultExpansion}
}

func source(opts Options) Source {
	if opts.UseKnownResults {
		return KnownSource{}
	}
	return TraceSource{}
}

func newRand(seed uint64) (*rand.Rand, uint64) {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15)), seed
}

// prepare resolves the method id and, unless incremental, drops the pilots
// of earlier runs.
func prepare(ctx context.Context, st store.Store, v store.Variant, method string, incremental bool) (int64, error) {
	id, err := st.MethodID(ctx, method)
	if err != nil {
		return 0, fmt.Errorf("resolve method %s: %w", method, err)
	}
	if !incremental {
		if err := st.ClearPilots(ctx, v.ID, id); err != nil {
			return 0, fmt.Errorf("clear %s pilots of %s: %w", method, v, err)
		}
	}
	return id, nil
}
