package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danceos/fail-sub001/internal/logging"
	"github.com/danceos/fail-sub001/internal/store"
)

var clearFlags struct {
	method     string
	traces     bool
	variants   []string
	benchmarks []string
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the pilots of a method or the imported classes",
	RunE:  runClear,
}

func init() {
	f := clearCmd.Flags()
	f.StringVar(&clearFlags.method, "method", "", "Delete the pilots of this method")
	f.BoolVar(&clearFlags.traces, "traces", false, "Delete the imported equivalence classes")
	f.StringArrayVarP(&clearFlags.variants, "variant", "v", nil, "Variant pattern (repeatable)")
	f.StringArrayVarP(&clearFlags.benchmarks, "benchmark", "b", nil, "Benchmark pattern (repeatable)")
	clearCmd.MarkFlagsMutuallyExclusive("method", "traces")
	clearCmd.MarkFlagsOneRequired("method", "traces")
}

func runClear(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := logging.New("clear")

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	variants, err := st.ListVariants(ctx, store.VariantFilter{
		Variants:   clearFlags.variants,
		Benchmarks: clearFlags.benchmarks,
	})
	if err != nil {
		return err
	}

	var methodID int64
	if clearFlags.method != "" {
		if methodID, err = st.MethodID(ctx, clearFlags.method); err != nil {
			return err
		}
	}

	var errs []error
	for _, v := range variants {
		if clearFlags.traces {
			err = st.ClearECs(ctx, v.ID)
		} else {
			err = st.ClearPilots(ctx, v.ID, methodID)
		}
		if err != nil {
			logger.Error("clear failed", "variant", v.String(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", v, err))
		}
	}
	what := "classes"
	if !clearFlags.traces {
		what = clearFlags.method + " pilots"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s of %d variant(s)\n", what, len(variants)-len(errs))
	return errors.Join(errs...)
}
