package prune

import (
	"context"
	"fmt"

	"github.com/danceos/fail-sub001/internal/store"
	"github.com/danceos/fail-sub001/internal/trace"
)

// Basic creates one pilot per read EC, weighted by its duration. All write
// ECs of the variant are represented by a single known-outcome pilot placed
// at the first write EC and weighted by their total duration.
type Basic struct {
	opts Options
}

// Method implements Pruner.
func (b *Basic) Method() string { return MethodBasic }

// Prune implements Pruner. Earlier basic pilots of the variant are replaced.
func (b *Basic) Prune(ctx context.Context, st store.Store, v store.Variant) (Result, error) {
	res := Result{Variant: v, Method: MethodBasic}
	methodID, err := prepare(ctx, st, v, MethodBasic, false)
	if err != nil {
		return res, err
	}
	cands, err := TraceSource{}.Candidates(ctx, st, v)
	if err != nil {
		return res, err
	}
	res.Population = len(cands)

	pilots := make([]store.Pilot, 0, len(cands)+1)
	for _, c := range cands {
		pilots = append(pilots, c.pilot(v, methodID, c.Duration))
		res.Weight += c.Duration
	}

	writes, err := st.ReadECs(ctx, v.ID, trace.Write)
	if err != nil {
		return res, fmt.Errorf("load write ecs of %s: %w", v, err)
	}
	if len(writes) > 0 {
		first := writes[0]
		known := store.Pilot{
			VariantID:    v.ID,
			MethodID:     methodID,
			Address:      first.Address,
			Mask:         first.Mask,
			InstrEnd:     first.InstrEnd,
			InstrEndIP:   first.InstrEndIP,
			KnownOutcome: true,
		}
		for _, w := range writes {
			known.Weight += w.Duration()
		}
		pilots = append(pilots, known)
		res.Weight += known.Weight
	}

	if err := st.InsertPilots(ctx, pilots); err != nil {
		return res, fmt.Errorf("write basic pilots of %s: %w", v, err)
	}
	res.Pilots = len(pilots)
	return res, nil
}
