// Command cachedemo exercises a two-tier cache manager (in-process +
// distributed Redis) with cross-process invalidation over a Redis Pub/Sub
// backplane.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cachedemo",
		Short: "Cache manager demo",
		Long:  "Run a local demo of the tiered cache manager and its cross-process backplane",
	}

	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
