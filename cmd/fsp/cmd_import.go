package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/danceos/fail-sub001/internal/ecextract"
	"github.com/danceos/fail-sub001/internal/faultspace"
	"github.com/danceos/fail-sub001/internal/format"
	"github.com/danceos/fail-sub001/internal/logging"
	"github.com/danceos/fail-sub001/internal/store"
	"github.com/danceos/fail-sub001/internal/trace"
)

var importFlags struct {
	variant           string
	benchmark         string
	trace             string
	format            string
	memoryMap         string
	rightMargin       string
	flushEvery        int
	maxDecodeFailures int
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Extract equivalence classes from a trace into the store",
	Long: `Import replays a trace, partitions the fault space of every traced
memory element into equivalence classes and writes them for one
variant/benchmark pair. Existing classes of the pair are replaced.`,
	RunE: runImport,
}

func init() {
	f := importCmd.Flags()
	f.StringVar(&importFlags.variant, "variant", "", "Variant name")
	f.StringVar(&importFlags.benchmark, "benchmark", "", "Benchmark name")
	f.StringVarP(&importFlags.trace, "trace", "t", "", "Trace file (.pb, .pb.gz, .jsonl)")
	f.StringVar(&importFlags.format, "format", trace.FormatAuto, "Trace format (auto, proto, jsonl)")
	f.StringVar(&importFlags.memoryMap, "memory-map", "", "Memory map restricting the tracked addresses")
	f.StringVar(&importFlags.rightMargin, "right-margin", "", "Access type of closings synthesized at trace end (R or W)")
	f.IntVar(&importFlags.flushEvery, "flush-every", store.DefaultFlushEvery, "Rows per insert transaction")
	f.IntVar(&importFlags.maxDecodeFailures, "max-decode-failures", 0, "Abort after this many undecodable addresses (0 = unlimited)")
}

func applyImportFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("variant") {
		cfg.Import.Variant = importFlags.variant
	}
	if f.Changed("benchmark") {
		cfg.Import.Benchmark = importFlags.benchmark
	}
	if f.Changed("trace") {
		cfg.Import.Trace = importFlags.trace
	}
	if f.Changed("format") {
		cfg.Import.Format = importFlags.format
	}
	if f.Changed("memory-map") {
		cfg.Import.MemoryMap = importFlags.memoryMap
	}
	if f.Changed("right-margin") {
		cfg.Import.RightMargin = importFlags.rightMargin
	}
	if f.Changed("flush-every") {
		cfg.Import.FlushEvery = importFlags.flushEvery
	}
	if f.Changed("max-decode-failures") {
		cfg.Import.MaxDecodeFailures = importFlags.maxDecodeFailures
	}
}

func runImport(cmd *cobra.Command, _ []string) error {
	applyImportFlags(cmd)
	if err := cfg.ValidateImport(); err != nil {
		return err
	}
	ctx := cmd.Context()
	logger := logging.New("import")

	rightMargin, _ := cfg.RightMarginType()
	space, err := faultspace.NewSpace(cfg.Import.Areas...)
	if err != nil {
		return err
	}
	var mm *faultspace.MemoryMap
	if cfg.Import.MemoryMap != "" {
		if mm, err = faultspace.LoadMemoryMap(cfg.Import.MemoryMap); err != nil {
			return err
		}
	}
	im, err := ecextract.NewImporter(space, ecextract.ImportOptions{
		RightMargin:       rightMargin,
		MemoryMap:         mm,
		MaxDecodeFailures: cfg.Import.MaxDecodeFailures,
	})
	if err != nil {
		return err
	}

	r, err := trace.Open(cfg.Import.Trace, cfg.Import.Format, cfg.Import.Aux)
	if err != nil {
		return err
	}
	defer r.Close()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	v, err := st.GetOrCreateVariant(ctx, cfg.Import.Variant, cfg.Import.Benchmark)
	if err != nil {
		return err
	}
	if err := st.ClearECs(ctx, v.ID); err != nil {
		return err
	}

	logger.Info("importing trace", "variant", v.String(), "trace", cfg.Import.Trace)
	start := time.Now()
	w := store.NewBatchWriter(ctx, st, v.ID, cfg.Import.FlushEvery)
	stats, err := im.Run(r, w)
	if err == nil {
		err = w.Close()
	}
	if err != nil {
		logger.Error("import aborted", "variant", v.String(), "rows_written", w.Rows(), "error", err)
		return fmt.Errorf("import %s: %w", v, err)
	}

	printImportSummary(cmd, v, stats, time.Since(start))
	return nil
}

func printImportSummary(cmd *cobra.Command, v store.Variant, s ecextract.Stats, elapsed time.Duration) {
	tb := format.NewTable(format.ASCII)
	tb.Header("Variant", "Events", "Instructions", "Accesses", "ECs", "Skipped", "Decode failures", "Orphans", "Time")
	tb.Row(v.String(),
		format.Count(s.Events),
		format.Count(s.Instructions),
		format.Count(s.Accesses),
		format.Count(s.Rows),
		format.Count(s.Skipped),
		format.Count(s.DecodeFailures),
		format.Count(s.Orphans),
		format.Elapsed(elapsed))
	tb.Columns(
		format.ColumnConfig{Number: 2, Align: format.AlignRight},
		format.ColumnConfig{Number: 3, Align: format.AlignRight},
		format.ColumnConfig{Number: 4, Align: format.AlignRight},
		format.ColumnConfig{Number: 5, Align: format.AlignRight},
	)
	fmt.Fprintln(cmd.OutOrStdout(), tb.String())
}
