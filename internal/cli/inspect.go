package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"blocktest.dev/internal/persistence/indexdb"
)

type InspectOptions struct {
	*RootOptions
	IndexPath string
	SessionID string
}

type InspectSummary struct {
	SessionID      string         `json:"session_id,omitempty"`
	PaletteDigest  string         `json:"palette_digest,omitempty"`
	PaletteMatches bool           `json:"palette_matches"`
	Counts         indexdb.Counts `json:"counts"`
}

func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "inspect",
		Short:         "Print edit and reconciliation counts from a SQLite index",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.IndexPath, "index", "", "SQLite index path (required)")
	_ = cmd.MarkFlagRequired("index")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "restrict to one session")

	return cmd
}

func runInspect(opts *InspectOptions, cmd *cobra.Command) error {
	if _, err := os.Stat(opts.IndexPath); err != nil {
		return WrapExitError(ExitCommandError, "open index", err)
	}
	idx, err := indexdb.OpenSQLite(opts.IndexPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "open index", err)
	}
	defer idx.Close()

	counts, err := idx.Counts(context.Background(), opts.SessionID)
	if err != nil {
		return WrapExitError(ExitCommandError, "query index", err)
	}
	sum := InspectSummary{SessionID: opts.SessionID, Counts: counts}
	if d, ok, err := idx.Meta("palette_digest"); err == nil && ok {
		sum.PaletteDigest = d
		if reg, _, err := loadConfig(opts.RootOptions); err == nil {
			sum.PaletteMatches = reg.PaletteDigest() == d
		}
	}

	return emit(cmd, opts.RootOptions, sum, func(w io.Writer) {
		scope := "all sessions"
		if sum.SessionID != "" {
			scope = "session " + sum.SessionID
		}
		c := sum.Counts
		fmt.Fprintf(w, "%s: last_tick=%d\n", scope, c.LastTick)
		fmt.Fprintf(w, "intents=%d stale=%d updates=%d corrections=%d resyncs=%d snapshots=%d\n",
			c.Intents, c.StaleIntents, c.Updates, c.Corrections, c.Resyncs, c.Snapshots)
		if sum.PaletteDigest != "" && !sum.PaletteMatches {
			fmt.Fprintf(w, "warning: index palette %s differs from %s/blocks.json\n", sum.PaletteDigest, opts.ConfigDir)
		}
	})
}
