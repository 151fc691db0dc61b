package prune

import (
	"context"
	"fmt"

	"github.com/danceos/fail-sub001/internal/logging"
	"github.com/danceos/fail-sub001/internal/sampling"
	"github.com/danceos/fail-sub001/internal/store"
)

// FaultExpansion draws up to SampleSize distinct ECs, proportionally to
// their duration, and creates one pilot per drawn EC weighted by the EC's
// duration. In incremental mode ECs drawn by earlier runs are not drawn
// again.
type FaultExpansion struct {
	opts Options
}

// Method implements Pruner.
func (f *FaultExpansion) Method() string { return MethodFaultExpansion }

// Prune implements Pruner.
func (f *FaultExpansion) Prune(ctx context.Context, st store.Store, v store.Variant) (Result, error) {
	log := logging.New("prune")
	res := Result{Variant: v, Method: MethodFaultExpansion}
	methodID, err := prepare(ctx, st, v, MethodFaultExpansion, f.opts.Incremental)
	if err != nil {
		return res, err
	}
	cands, err := source(f.opts).Candidates(ctx, st, v)
	if err != nil {
		return res, err
	}

	done := make(map[pilotKey]bool)
	if f.opts.Incremental {
		pilots, err := st.ListPilots(ctx, v.ID, methodID)
		if err != nil {
			return res, fmt.Errorf("load fault-expansion pilots of %s: %w", v, err)
		}
		for _, p := range pilots {
			done[pilotKey{p.Address, p.Mask, p.InstrEnd}] = true
		}
	}

	weigh(cands, f.opts.NoWeighting)
	tree := sampling.New[Candidate](sampling.DefaultBranching)
	for _, c := range cands {
		if done[c.key()] {
			continue
		}
		if err := tree.Add(c); err != nil {
			return res, fmt.Errorf("load ec %#x@%d: %w", c.Address, c.InstrEnd, err)
		}
	}
	res.Population = tree.Len()
	if tree.Len() == 0 {
		log.Warn("no candidate ECs", "variant", v.String())
		return res, nil
	}

	rng, seed := newRand(f.opts.Seed)
	res.Seed = seed
	draws := min(f.opts.SampleSize, tree.Len())
	log.Info("fault expansion", "variant", v.String(), "population", tree.Len(),
		"total_weight", tree.Size(), "draws", draws, "seed", seed)

	pilots := make([]store.Pilot, 0, draws)
	for range draws {
		c, err := tree.Remove(rng.Uint64N(tree.Size()))
		if err != nil {
			return res, fmt.Errorf("draw: %w", err)
		}
		pilots = append(pilots, c.pilot(v, methodID, c.Duration))
		res.Weight += c.Duration
	}
	if err := st.InsertPilots(ctx, pilots); err != nil {
		return res, fmt.Errorf("write fault-expansion pilots of %s: %w", v, err)
	}
	res.Pilots = len(pilots)
	return res, nil
}
