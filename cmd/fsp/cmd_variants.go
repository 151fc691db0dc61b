package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danceos/fail-sub001/internal/format"
	"github.com/danceos/fail-sub001/internal/prune"
	"github.com/danceos/fail-sub001/internal/store"
)

var variantsFlags struct {
	variants   []string
	benchmarks []string
	output     string
}

var variantsCmd = &cobra.Command{
	Use:   "variants",
	Short: "List variants with their class and pilot counts",
	RunE:  runVariants,
}

func init() {
	f := variantsCmd.Flags()
	f.StringArrayVarP(&variantsFlags.variants, "variant", "v", nil, "Variant pattern (repeatable)")
	f.StringArrayVarP(&variantsFlags.benchmarks, "benchmark", "b", nil, "Benchmark pattern (repeatable)")
	f.StringVar(&variantsFlags.output, "format", "table", "Output format (table, markdown, csv)")
}

func runVariants(cmd *cobra.Command, _ []string) error {
	mode, err := format.ParseMode(variantsFlags.output)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	variants, err := st.ListVariants(ctx, store.VariantFilter{
		Variants:   variantsFlags.variants,
		Benchmarks: variantsFlags.benchmarks,
	})
	if err != nil {
		return err
	}

	methods := prune.Methods()
	methodIDs := make([]int64, len(methods))
	for i, m := range methods {
		if methodIDs[i], err = st.MethodID(ctx, m); err != nil {
			return err
		}
	}

	header := []string{"ID", "Variant", "Benchmark", "ECs"}
	header = append(header, methods...)
	tb := format.NewTable(mode)
	tb.Header(header...)
	var total int64
	for _, v := range variants {
		ecs, err := st.CountECs(ctx, v.ID)
		if err != nil {
			return err
		}
		row := []any{v.ID, v.Variant, v.Benchmark, format.Count(ecs)}
		for _, id := range methodIDs {
			n, err := st.CountPilots(ctx, v.ID, id)
			if err != nil {
				return err
			}
			row = append(row, format.Count(n))
		}
		tb.Row(row...)
		total += ecs
	}
	tb.Footer("", "TOTAL", "", format.Count(total))
	fmt.Fprintln(cmd.OutOrStdout(), tb.String())
	return nil
}
