// fsp extracts fault-space equivalence classes from execution traces and
// selects the pilot injections that represent them.
//
// Usage:
//
//	fsp import --variant=<v> --benchmark=<b> --trace=<path> --right-margin=R|W
//	fsp prune --method=basic|sampling|fault-expansion [-v pattern]... [-b pattern]...
//	fsp check [--variant=<v> --benchmark=<b>]
//	fsp variants [--format=table|markdown|csv]
//	fsp clear --method=<m> | --traces
//	fsp dump --trace=<path>
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
