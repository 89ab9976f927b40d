package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"blocktest.dev/internal/persistence/indexdb"
	persistlog "blocktest.dev/internal/persistence/log"
	"blocktest.dev/internal/sim/session"
	"blocktest.dev/internal/transport/netclient"
)

type PlayOptions struct {
	*RootOptions
	Offline      bool
	URL          string
	Token        string
	Name         string
	Ticks        uint64
	Seed         uint64
	EditRate     float64
	JournalDir   string
	IndexPath    string
	SnapshotPath string
}

type PlaySummary struct {
	SessionID string        `json:"session_id"`
	Online    bool          `json:"online"`
	ClientID  string        `json:"client_id,omitempty"`
	Ticks     uint64        `json:"ticks"`
	LastAcked uint64        `json:"last_acked"`
	Pending   int           `json:"pending"`
	Digest    string        `json:"digest"`
	Stats     session.Stats `json:"stats"`
}

func NewPlayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "play",
		Short: "Run a headless bot session against a relay or offline",
		Long: `Run one session driven by a seeded bot that places and breaks blocks
near the surface. Online, edits go to the relay and authoritative updates are
reconciled as they arrive; offline, the default flat world is edited locally.

Examples:
  blocktest play --offline --ticks 600 --journal ./data/journal
  blocktest play --url ws://127.0.0.1:9050/v1/ws --name bot1 --index ./data/index.sqlite`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlay(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Offline, "offline", false, "do not connect to a relay")
	cmd.Flags().StringVar(&opts.URL, "url", "", "relay websocket url (default: server_url from tuning)")
	cmd.Flags().StringVar(&opts.Token, "token", "", "auth token (default: auth_token from tuning)")
	cmd.Flags().StringVar(&opts.Name, "name", "bot", "client name sent in HELLO")
	cmd.Flags().Uint64Var(&opts.Ticks, "ticks", 0, "stop after this many ticks (0: until interrupted)")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 1, "bot seed")
	cmd.Flags().Float64Var(&opts.EditRate, "edit_rate", 10, "bot edits per second (0: idle)")
	cmd.Flags().StringVar(&opts.JournalDir, "journal", "", "journal directory (optional)")
	cmd.Flags().StringVar(&opts.IndexPath, "index", "", "SQLite index path (optional)")
	cmd.Flags().StringVar(&opts.SnapshotPath, "snapshot", "", "world snapshot to resume from and checkpoint to (optional)")

	return cmd
}

func runPlay(opts *PlayOptions, cmd *cobra.Command) error {
	reg, tu, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	logger := log.New(io.Discard, "", 0)
	if opts.Verbose {
		logger = log.New(cmd.ErrOrStderr(), "[client] ", log.LstdFlags|log.Lmicroseconds)
	}

	cfg := session.Config{
		Tuning:       tu,
		Registry:     reg,
		SnapshotPath: opts.SnapshotPath,
		Logger:       logger,
	}

	if opts.JournalDir != "" {
		j := persistlog.NewJournal(opts.JournalDir)
		defer j.Close()
		cfg.Journal = j
	}
	var idx *indexdb.SQLiteIndex
	if opts.IndexPath != "" {
		if idx, err = indexdb.OpenSQLite(opts.IndexPath); err != nil {
			return WrapExitError(ExitCommandError, "open index", err)
		}
		defer idx.Close()
		if err := idx.UpsertRegistry(reg); err != nil {
			return WrapExitError(ExitCommandError, "index registry", err)
		}
		cfg.Index = idx
	}

	var nc *netclient.Client
	if !opts.Offline {
		ncfg := netclient.ConfigFromTuning(tu, reg.PaletteDigest())
		if opts.URL != "" {
			ncfg.URL = opts.URL
		}
		if opts.Token != "" {
			ncfg.Token = opts.Token
		}
		ncfg.ClientName = opts.Name
		ncfg.Logger = logger
		nc = netclient.New(ncfg)
		cfg.Transport = nc
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	b := newBot(opts.Seed, tu, opts.EditRate)
	inputs := make(chan session.Input, 64)
	var start uint64
	cfg.AfterStep = func(s *session.Session) {
		if opts.Ticks > 0 && s.CurrentTick()-start >= opts.Ticks {
			cancel()
			return
		}
		for _, in := range b.next() {
			select {
			case inputs <- in:
			default:
			}
		}
	}

	s, err := session.New(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "new session", err)
	}
	start = s.CurrentTick()
	if nc != nil {
		nc.Start()
	}
	logger.Printf("session %s online=%v", s.ID(), s.Online())

	if err := s.Run(ctx, inputs); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitCommandError, "run", err)
	}
	if nc != nil {
		_ = nc.Close()
		if fatalErr := nc.Err(); fatalErr != nil && (errors.Is(fatalErr, netclient.ErrPaletteMismatch) || errors.Is(fatalErr, netclient.ErrRejected)) {
			return WrapExitError(ExitCommandError, "relay refused the session", fatalErr)
		}
	}
	if err := s.Checkpoint(); err != nil {
		logger.Printf("checkpoint: %v", err)
	}
	if idx != nil {
		syncCtx, syncCancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := idx.Sync(syncCtx)
		syncCancel()
		if err != nil {
			logger.Printf("index sync: %v", err)
		}
	}

	sum := PlaySummary{
		SessionID: s.ID(),
		Online:    s.Online(),
		Ticks:     s.CurrentTick() - start,
		LastAcked: s.Buffer().LastAcked(),
		Pending:   s.Buffer().Len(),
		Digest:    s.World().Digest(),
		Stats:     s.Stats(),
	}
	if nc != nil {
		sum.ClientID = nc.ClientID()
	}
	return emit(cmd, opts.RootOptions, sum, func(w io.Writer) {
		mode := "offline"
		if sum.Online {
			mode = "online"
		}
		fmt.Fprintf(w, "session %s (%s) ticks=%d digest=%s\n", sum.SessionID, mode, sum.Ticks, sum.Digest)
		st := sum.Stats
		fmt.Fprintf(w, "recorded=%d rejected=%d stale=%d send_failed=%d retried=%d\n", st.Recorded, st.Rejected, st.Stale, st.SendFailed, st.Retried)
		fmt.Fprintf(w, "updates=%d corrections=%d gaps=%d resyncs=%d pending=%d last_acked=%d\n",
			st.Updates, st.Corrections, st.Gaps, st.Resyncs, sum.Pending, sum.LastAcked)
	})
}
