package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"path/filepath"

	"github.com/spf13/cobra"

	persistlog "blockwire.ai/internal/persistence/log"
	"blockwire.ai/internal/sim/catalogs"
	"blockwire.ai/internal/sim/logic"
	"blockwire.ai/internal/sim/plot"
	"blockwire.ai/internal/sim/tuning"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Replication journal tools",
}

var journalDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print journaled SYNC messages as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := journalDir(cmd)
		channel, _ := cmd.Flags().GetString("channel")
		enc := json.NewEncoder(cmd.OutOrStdout())
		return eachSyncEntry(dir, func(e persistlog.SyncEntry) error {
			if channel != "" && e.Msg.Channel != channel {
				return nil
			}
			return enc.Encode(e)
		})
	},
}

var journalReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Apply journaled sends to a fresh client session and print the final effects",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := journalDir(cmd)
		configs, _ := cmd.Flags().GetString("configs")
		cat, err := catalogs.Load(configs)
		if err != nil {
			return err
		}
		fx, m, err := replayJournal(dir, cat)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "replayed %d ticks, sync gaps %d\n", m.Tick, m.SyncGaps)
		for _, id := range fx.Blocks() {
			e, _ := fx.Get(id)
			b, _ := json.Marshal(e)
			fmt.Fprintf(out, "%s %s\n", id, b)
		}
		return nil
	},
}

func init() {
	journalCmd.PersistentFlags().String("journal", "", "journal directory (default: <data>/journal)")
	journalDumpCmd.Flags().String("channel", "", "only print this channel")
	journalCmd.AddCommand(journalDumpCmd, journalReplayCmd)
	rootCmd.AddCommand(journalCmd)
}

func journalDir(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("journal")
	if dir == "" {
		data, _ := cmd.Flags().GetString("data")
		dir = filepath.Join(data, "journal")
	}
	return dir
}

func eachSyncEntry(dir string, fn func(persistlog.SyncEntry) error) error {
	files, err := persistlog.ListFiles(filepath.Join(dir, "sync"), "sync")
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := persistlog.ReadSyncEntries(f, fn); err != nil {
			return err
		}
	}
	return nil
}

// replayJournal feeds every sent message to a client session, one session
// tick per journaled tick, and returns the resulting effects.
func replayJournal(dir string, cat *catalogs.Catalog) (*logic.EffectState, plot.SessionMetrics, error) {
	s, err := plot.NewSession(plot.Config{
		Origin:  "replay",
		Catalog: cat,
		Tuning:  tuning.Defaults(),
		World:   logic.NewFlatWorld(),
		Logger:  log.New(io.Discard, "", 0),
	})
	if err != nil {
		return nil, plot.SessionMetrics{}, err
	}
	var (
		m       plot.SessionMetrics
		batch   []plot.Inbound
		curTick uint64
	)
	flush := func() {
		if len(batch) > 0 {
			m = s.StepOnce(batch)
			batch = batch[:0]
		}
	}
	err = eachSyncEntry(dir, func(e persistlog.SyncEntry) error {
		if e.Dir != "send" {
			return nil
		}
		if e.Msg.Tick != curTick {
			flush()
			curTick = e.Msg.Tick
		}
		batch = append(batch, plot.Inbound{Msg: e.Msg, From: "journal"})
		return nil
	})
	if err != nil {
		return nil, m, err
	}
	flush()
	return s.Effects(), m, nil
}
