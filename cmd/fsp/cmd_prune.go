package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danceos/fail-sub001/internal/format"
	"github.com/danceos/fail-sub001/internal/logging"
	"github.com/danceos/fail-sub001/internal/prune"
	"github.com/danceos/fail-sub001/internal/store"
)

var pruneFlags struct {
	method            string
	sampleSize        int
	incremental       bool
	useKnownResults   bool
	noWeighting       bool
	seed              uint64
	parallel          int
	variants          []string
	benchmarks        []string
	excludeVariants   []string
	excludeBenchmarks []string
	output            string
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Select pilot injections for the imported variants",
	Long: `Prune selects pilots from the equivalence classes of every matching
variant. Patterns use SQL LIKE syntax (% and _).

Methods:
  basic            one pilot per read class, weighted by its duration
  sampling         draws with replacement, weight is the hit count
  fault-expansion  draws without replacement, weight is the duration`,
	RunE: runPrune,
}

func init() {
	f := pruneCmd.Flags()
	f.StringVar(&pruneFlags.method, "method", prune.MethodBasic, "Pruning method ("+strings.Join(prune.Methods(), ", ")+")")
	f.IntVar(&pruneFlags.sampleSize, "samplesize", prune.DefaultSampleSize, "Number of draws for sampling methods")
	f.BoolVar(&pruneFlags.incremental, "incremental", false, "Extend the pilots of a previous run instead of replacing them")
	f.BoolVar(&pruneFlags.useKnownResults, "use-known-results", false, "Sample from the pilots of a previous basic run")
	f.BoolVar(&pruneFlags.noWeighting, "no-weighting", false, "Sample every class with the same probability")
	f.Uint64Var(&pruneFlags.seed, "seed", 0, "Random seed (0 = derive from the clock)")
	f.IntVar(&pruneFlags.parallel, "parallel", 1, "Variants pruned concurrently")
	f.StringArrayVarP(&pruneFlags.variants, "variant", "v", nil, "Variant pattern (repeatable)")
	f.StringArrayVarP(&pruneFlags.benchmarks, "benchmark", "b", nil, "Benchmark pattern (repeatable)")
	f.StringArrayVar(&pruneFlags.excludeVariants, "variant-exclude", nil, "Excluded variant pattern (repeatable)")
	f.StringArrayVar(&pruneFlags.excludeBenchmarks, "benchmark-exclude", nil, "Excluded benchmark pattern (repeatable)")
	f.StringVar(&pruneFlags.output, "format", "table", "Summary format (table, markdown, csv)")
}

func applyPruneFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("method") {
		cfg.Prune.Method = pruneFlags.method
	}
	if f.Changed("samplesize") {
		cfg.Prune.SampleSize = pruneFlags.sampleSize
	}
	if f.Changed("incremental") {
		cfg.Prune.Incremental = pruneFlags.incremental
	}
	if f.Changed("use-known-results") {
		cfg.Prune.UseKnownResults = pruneFlags.useKnownResults
	}
	if f.Changed("no-weighting") {
		cfg.Prune.NoWeighting = pruneFlags.noWeighting
	}
	if f.Changed("seed") {
		cfg.Prune.Seed = pruneFlags.seed
	}
	if f.Changed("parallel") {
		cfg.Prune.Parallel = pruneFlags.parallel
	}
	if f.Changed("variant") {
		cfg.Prune.Variants = pruneFlags.variants
	}
	if f.Changed("benchmark") {
		cfg.Prune.Benchmarks = pruneFlags.benchmarks
	}
	if f.Changed("variant-exclude") {
		cfg.Prune.ExcludeVariants = pruneFlags.excludeVariants
	}
	if f.Changed("benchmark-exclude") {
		cfg.Prune.ExcludeBenchmarks = pruneFlags.excludeBenchmarks
	}
}

func runPrune(cmd *cobra.Command, _ []string) error {
	applyPruneFlags(cmd)
	if err := cfg.ValidatePrune(); err != nil {
		return err
	}
	mode, err := format.ParseMode(pruneFlags.output)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	p, err := prune.New(cfg.Prune.Method, cfg.PruneOptions())
	if err != nil {
		return err
	}
	variants, err := listVariants(ctx, cfg.VariantFilter())
	if err != nil {
		return err
	}
	if len(variants) == 0 {
		logging.New("prune").Warn("no variant matches the filter")
		return nil
	}

	outcomes, runErr := prune.RunAll(ctx, openStore, variants, p, cfg.Prune.Parallel)

	tb := format.NewTable(mode)
	tb.Header("Variant", "Method", "ECs", "Pilots", "Updated", "Weight", "Seed", "OK")
	var pilots, updated int64
	var weight uint64
	for _, o := range outcomes {
		seed := "-"
		if o.Seed != 0 {
			seed = fmt.Sprint(o.Seed)
		}
		tb.Row(o.Variant.String(), o.Method,
			format.Count(int64(o.Population)),
			format.Count(int64(o.Pilots)),
			format.Count(int64(o.Updated)),
			format.Weight(o.Weight),
			seed,
			format.Mark(o.Err == nil))
		pilots += int64(o.Pilots)
		updated += int64(o.Updated)
		weight += o.Weight
	}
	tb.Footer("TOTAL", "", "", format.Count(pilots), format.Count(updated), format.Weight(weight), "", "")
	tb.Columns(
		format.ColumnConfig{Number: 3, Align: format.AlignRight},
		format.ColumnConfig{Number: 4, Align: format.AlignRight},
		format.ColumnConfig{Number: 5, Align: format.AlignRight},
		format.ColumnConfig{Number: 6, Align: format.AlignRight},
	)
	fmt.Fprintln(cmd.OutOrStdout(), tb.String())
	return runErr
}

func listVariants(ctx context.Context, f store.VariantFilter) ([]store.Variant, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	return st.ListVariants(ctx, f)
}
