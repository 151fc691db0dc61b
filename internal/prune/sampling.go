package prune

import (
	"context"
	"fmt"
	"slices"

	"github.com/danceos/fail-sub001/internal/logging"
	"github.com/danceos/fail-sub001/internal/sampling"
	"github.com/danceos/fail-sub001/internal/store"
)

// Sampling draws SampleSize ECs with replacement, proportionally to their
// duration. The first hit of an EC creates its pilot; every hit adds one to
// its weight. In incremental mode the pilots of earlier runs are kept and
// only gain weight.
type Sampling struct {
	opts Options
}

// Method implements Pruner.
func (s *Sampling) Method() string { return MethodSampling }

// Prune implements Pruner.
func (s *Sampling) Prune(ctx context.Context, st store.Store, v store.Variant) (Result, error) {
	log := logging.New("prune")
	res := Result{Variant: v, Method: MethodSampling}
	methodID, err := prepare(ctx, st, v, MethodSampling, s.opts.Incremental)
	if err != nil {
		return res, err
	}
	cands, err := source(s.opts).Candidates(ctx, st, v)
	if err != nil {
		return res, err
	}
	res.Population = len(cands)
	if len(cands) == 0 {
		log.Warn("no candidate ECs", "variant", v.String())
		return res, nil
	}
	weigh(cands, s.opts.NoWeighting)

	tree := sampling.New[Candidate](sampling.DefaultBranching)
	for _, c := range cands {
		if err := tree.Add(c); err != nil {
			return res, fmt.Errorf("load ec %#x@%d: %w", c.Address, c.InstrEnd, err)
		}
	}

	existing := make(map[pilotKey]int64)
	if s.opts.Incremental {
		pilots, err := st.ListPilots(ctx, v.ID, methodID)
		if err != nil {
			return res, fmt.Errorf("load sampling pilots of %s: %w", v, err)
		}
		for _, p := range pilots {
			existing[pilotKey{p.Address, p.Mask, p.InstrEnd}] = p.ID
		}
	}

	rng, seed := newRand(s.opts.Seed)
	res.Seed = seed
	log.Info("sampling", "variant", v.String(), "population", len(cands),
		"total_weight", tree.Size(), "draws", s.opts.SampleSize, "seed", seed)

	hits := make(map[int]uint64)
	for range s.opts.SampleSize {
		c, err := tree.Get(rng.Uint64N(tree.Size()))
		if err != nil {
			return res, fmt.Errorf("draw: %w", err)
		}
		hits[c.index]++
	}

	drawn := make([]int, 0, len(hits))
	for i := range hits {
		drawn = append(drawn, i)
	}
	slices.Sort(drawn)

	var fresh []store.Pilot
	for _, i := range drawn {
		c, n := cands[i], hits[i]
		res.Weight += n
		if id, ok := existing[c.key()]; ok {
			if err := st.AddPilotWeight(ctx, id, n); err != nil {
				return res, fmt.Errorf("update pilot %d of %s: %w", id, v, err)
			}
			res.Updated++
			continue
		}
		fresh = append(fresh, c.pilot(v, methodID, n))
	}
	if err := st.InsertPilots(ctx, fresh); err != nil {
		return res, fmt.Errorf("write sampling pilots of %s: %w", v, err)
	}
	res.Pilots = len(fresh)
	return res, nil
}
