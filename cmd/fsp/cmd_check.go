package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danceos/fail-sub001/internal/ecextract"
	"github.com/danceos/fail-sub001/internal/format"
	"github.com/danceos/fail-sub001/internal/logging"
	"github.com/danceos/fail-sub001/internal/store"
)

var errViolations = errors.New("invariant violations found")

var checkFlags struct {
	variants   []string
	benchmarks []string
	limit      int
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the equivalence classes of the imported variants",
	Long: `Check verifies, for every bit of every traced element, that its classes
do not overlap, cover the whole run and start and end at the run bounds.
Exits non-zero if any variant has violations.`,
	RunE: runCheck,
}

func init() {
	f := checkCmd.Flags()
	f.StringArrayVarP(&checkFlags.variants, "variant", "v", nil, "Variant pattern (repeatable)")
	f.StringArrayVarP(&checkFlags.benchmarks, "benchmark", "b", nil, "Benchmark pattern (repeatable)")
	f.IntVar(&checkFlags.limit, "limit", 20, "Violations printed per variant (0 = all)")
}

func runCheck(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := logging.New("check")
	out := cmd.OutOrStdout()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	variants, err := st.ListVariants(ctx, store.VariantFilter{
		Variants:   checkFlags.variants,
		Benchmarks: checkFlags.benchmarks,
	})
	if err != nil {
		return err
	}

	tb := format.NewTable(format.ASCII)
	tb.Header("Variant", "Keys", "ECs", "Instructions", "Time", "Violations", "OK")
	failed := 0
	for _, v := range variants {
		rep, err := ecextract.Check(ctx, st, v.ID)
		if err != nil {
			return err
		}
		tb.Row(v.String(),
			format.Count(int64(rep.Keys)),
			format.Count(rep.Rows),
			fmt.Sprintf("%d-%d", rep.MinInstr, rep.MaxInstr),
			fmt.Sprintf("%d-%d", rep.MinTime, rep.MaxTime),
			format.Count(int64(len(rep.Violations))),
			format.Mark(rep.OK()))
		if rep.OK() {
			continue
		}
		failed++
		logger.Error("invariant violations", "variant", v.String(), "count", len(rep.Violations))
		for i, viol := range rep.Violations {
			if checkFlags.limit > 0 && i == checkFlags.limit {
				fmt.Fprintf(out, "%s: %d more\n", v, len(rep.Violations)-i)
				break
			}
			fmt.Fprintf(out, "%s: %s\n", v, viol)
		}
	}
	fmt.Fprintln(out, tb.String())
	if failed > 0 {
		return fmt.Errorf("%w in %d of %d variants", errViolations, failed, len(variants))
	}
	return nil
}
