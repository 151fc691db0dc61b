package prune

import (
	"context"
	"fmt"

	"github.com/danceos/fail-sub001/internal/store"
	"github.com/danceos/fail-sub001/internal/trace"
)

// Candidate is one EC eligible for injection.
type Candidate struct {
	Address    uint64
	Mask       uint8
	InstrEnd   uint64
	InstrEndIP store.NullAddr
	Duration   uint64

	index  int
	weight uint64
}

// Weight is the sampling weight.
func (c Candidate) Weight() uint64 { return c.weight }

type pilotKey struct {
	address uint64
	mask    uint8
	instr   uint64
}

func (c Candidate) key() pilotKey { return pilotKey{c.Address, c.Mask, c.InstrEnd} }

func (c Candidate) pilot(v store.Variant, methodID int64, weight uint64) store.Pilot {
	return store.Pilot{
		VariantID:  v.ID,
		MethodID:   methodID,
		Address:    c.Address,
		Mask:       c.Mask,
		InstrEnd:   c.InstrEnd,
		InstrEndIP: c.InstrEndIP,
		Weight:     weight,
	}
}

// Source loads the candidate ECs of a variant.
type Source interface {
	Candidates(ctx context.Context, st store.Store, v store.Variant) ([]Candidate, error)
}

// TraceSource reads the read-access EC rows of the variant.
type TraceSource struct{}

// Candidates implements Source.
func (TraceSource) Candidates(ctx context.Context, st store.Store, v store.Variant) ([]Candidate, error) {
	rows, err := st.ReadECs(ctx, v.ID, trace.Read)
	if err != nil {
		return nil, fmt.Errorf("load read ecs of %s: %w", v, err)
	}
	out := make([]Candidate, len(rows))
	for i, r := range rows {
		out[i] = Candidate{
			Address:    r.Address,
			Mask:       r.Mask,
			InstrEnd:   r.InstrEnd,
			InstrEndIP: r.InstrEndIP,
			Duration:   r.Duration(),
			index:      i,
		}
	}
	return out, nil
}

// KnownSource reads the pilots of an earlier basic run. The known-outcome
// pilot is not a candidate.
type KnownSource struct{}

// Candidates implements Source.
func (KnownSource) Candidates(ctx context.Context, st store.Store, v store.Variant) ([]Candidate, error) {
	id, err := st.MethodID(ctx, MethodBasic)
	if err != nil {
		return nil, fmt.Errorf("resolve method %s: %w", MethodBasic, err)
	}
	pilots, err := st.ListPilots(ctx, v.ID, id)
	if err != nil {
		return nil, fmt.Errorf("load basic pilots of %s: %w", v, err)
	}
	var out []Candidate
	for _, p := range pilots {
		if p.KnownOutcome {
			continue
		}
		out = append(out, Candidate{
			Address:    p.Address,
			Mask:       p.Mask,
			InstrEnd:   p.InstrEnd,
			InstrEndIP: p.InstrEndIP,
			Duration:   p.Weight,
			index:      len(out),
		})
	}
	return out, nil
}

// weigh sets the sampling weights of cs.
func weigh(cs []Candidate, noWeighting bool) {
	for i := range cs {
		if noWeighting {
			cs[i].weight = 1
		} else {
			cs[i].weight = cs[i].Duration
		}
	}
}
