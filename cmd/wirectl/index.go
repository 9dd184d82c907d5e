package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"blockwire.ai/internal/persistence/indexdb"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Query the sqlite index",
}

var indexBurnsCmd = &cobra.Command{
	Use:   "burns <session>",
	Short: "List the latest burned blocks of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return withIndex(cmd, args[0], func(ctx context.Context, idx *indexdb.SQLiteIndex) error {
			rows, err := idx.Burns(ctx, args[0], limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TICK\tBLOCK\tKIND\tREASON")
			for _, r := range rows {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", r.Tick, r.Block, r.Kind, r.Reason)
			}
			return tw.Flush()
		})
	},
}

var indexSyncCmd = &cobra.Command{
	Use:   "sync <session>",
	Short: "Count indexed SYNC messages per channel and direction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withIndex(cmd, args[0], func(ctx context.Context, idx *indexdb.SQLiteIndex) error {
			counts, err := idx.SyncCounts(ctx, args[0])
			if err != nil {
				return err
			}
			channels := make([]string, 0, len(counts))
			for ch := range counts {
				channels = append(channels, ch)
			}
			sort.Strings(channels)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CHANNEL\tSEND\tRECV")
			for _, ch := range channels {
				fmt.Fprintf(tw, "%s\t%d\t%d\n", ch, counts[ch]["send"], counts[ch]["recv"])
			}
			return tw.Flush()
		})
	},
}

func init() {
	indexCmd.PersistentFlags().String("db", "", "index path (default: <data>/index.sqlite)")
	indexBurnsCmd.Flags().Int("limit", 50, "max rows")
	indexCmd.AddCommand(indexBurnsCmd, indexSyncCmd)
	rootCmd.AddCommand(indexCmd)
}

func withIndex(cmd *cobra.Command, session string, fn func(context.Context, *indexdb.SQLiteIndex) error) error {
	path, _ := cmd.Flags().GetString("db")
	if path == "" {
		data, _ := cmd.Flags().GetString("data")
		path = filepath.Join(data, "index.sqlite")
	}
	idx, err := indexdb.OpenSQLite(path, session, 1)
	if err != nil {
		return err
	}
	defer idx.Close()
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	return fn(ctx, idx)
}
