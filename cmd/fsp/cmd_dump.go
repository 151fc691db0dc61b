package main

import (
	"errors"
	"io"

	"github.com/spf13/cobra"

	"github.com/danceos/fail-sub001/internal/trace"
)

var dumpFlags struct {
	trace  string
	format string
	limit  int
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print a trace as JSON lines",
	RunE:  runDump,
}

func init() {
	f := dumpCmd.Flags()
	f.StringVarP(&dumpFlags.trace, "trace", "t", "", "Trace file (required)")
	f.StringVar(&dumpFlags.format, "format", trace.FormatAuto, "Trace format (auto, proto, jsonl)")
	f.IntVarP(&dumpFlags.limit, "limit", "n", 0, "Stop after this many events (0 = all)")
	_ = dumpCmd.MarkFlagRequired("trace")
}

func runDump(cmd *cobra.Command, _ []string) error {
	r, err := trace.Open(dumpFlags.trace, dumpFlags.format, cfg.Import.Aux)
	if err != nil {
		return err
	}
	defer r.Close()

	w := trace.NewJSONLWriter(cmd.OutOrStdout(), cfg.Import.Aux)
	for n := 0; dumpFlags.limit == 0 || n < dumpFlags.limit; n++ {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = w.Flush()
			return err
		}
		if err := w.Write(ev); err != nil {
			return err
		}
	}
	return w.Flush()
}
