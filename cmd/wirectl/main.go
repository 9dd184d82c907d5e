// Command wirectl inspects block catalogs, replication journals and the
// burn index of a blockwire server.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "wirectl",
	Short:         "Inspect blockwire catalogs, journals and indexes",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("configs", "./configs", "config directory")
	rootCmd.PersistentFlags().String("data", "./data", "runtime data directory")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "wirectl:", err)
		os.Exit(1)
	}
}
