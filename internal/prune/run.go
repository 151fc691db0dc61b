package prune

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/danceos/fail-sub001/internal/logging"
	"github.com/danceos/fail-sub001/internal/store"
)

// Opener opens a store connection for one worker.
type Opener func(ctx context.Context) (store.Store, error)

// Outcome is the result of pruning one variant.
type Outcome struct {
	Result
	Err error
}

// RunAll prunes variants with up to parallel workers. Every worker opens
// its own store. A failing variant does not stop the others; the returned
// error joins all failures.
func RunAll(ctx context.Context, open Opener, variants []store.Variant, p Pruner, parallel int) ([]Outcome, error) {
	logger := logging.New("prune")
	if parallel < 1 {
		parallel = 1
	}
	outcomes := make([]Outcome, len(variants))

	var g errgroup.Group
	g.SetLimit(parallel)
	for i, v := range variants {
		g.Go(func() error {
			outcomes[i] = pruneOne(ctx, open, v, p)
			return nil
		})
	}
	_ = g.Wait() // errors captured in Outcome.Err

	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			logger.Error("pruning failed", "variant", o.Variant.String(), "method", p.Method(), "error", o.Err)
			errs = append(errs, o.Err)
		}
	}
	return outcomes, errors.Join(errs...)
}

func pruneOne(ctx context.Context, open Opener, v store.Variant, p Pruner) Outcome {
	out := Outcome{Result: Result{Variant: v, Method: p.Method()}}
	st, err := open(ctx)
	if err != nil {
		out.Err = fmt.Errorf("%s: open store: %w", v, err)
		return out
	}
	defer st.Close()
	res, err := p.Prune(ctx, st, v)
	out.Result = res
	if err != nil {
		out.Err = fmt.Errorf("%s: %w", v, err)
	}
	return out
}
