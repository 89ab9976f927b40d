package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"blocktest.dev/internal/sim/blocks"
	"blocktest.dev/internal/sim/tuning"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigDir  string
	TuningPath string
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "blocktest",
		Short: "Headless block-edit client, journal replay and index inspection",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return WrapExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats), nil)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log client activity to stderr")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigDir, "configs", "./configs", "config directory (blocks.json, tuning.yaml)")
	cmd.PersistentFlags().StringVar(&opts.TuningPath, "tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")

	cmd.AddCommand(NewPlayCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))

	return cmd
}

// loadConfig reads the registry and the tuning. A missing tuning file falls
// back to the defaults.
func loadConfig(opts *RootOptions) (*blocks.Registry, tuning.Tuning, error) {
	reg, err := blocks.Load(opts.ConfigDir)
	if err != nil {
		return nil, tuning.Tuning{}, WrapExitError(ExitCommandError, "load blocks", err)
	}
	tp := strings.TrimSpace(opts.TuningPath)
	if tp == "" {
		tp = filepath.Join(opts.ConfigDir, "tuning.yaml")
	}
	tu, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, tuning.Tuning{}, WrapExitError(ExitCommandError, "load tuning", err)
		}
		tu = tuning.Defaults()
	}
	return reg, tu, nil
}
