package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"blocktest.dev/internal/persistence/snapshot"
	"blocktest.dev/internal/sim/blocks"
	"blocktest.dev/internal/sim/grid"
	"blocktest.dev/internal/sim/tuning"
	"blocktest.dev/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":9050", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		token      = flag.String("token", "", "required HELLO auth token (default: auth_token from tuning)")
		noAuth     = flag.Bool("no_auth", false, "accept any token")
		sessionID  = flag.String("session", "", "session id announced in WELCOME (default: random)")
		snapPath   = flag.String("snapshot", "", "world snapshot to resume from and write on shutdown (optional)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[relay] ", log.LstdFlags|log.Lmicroseconds)

	reg, err := blocks.Load(*configDir)
	if err != nil {
		logger.Fatalf("load blocks: %v", err)
	}
	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	tok := strings.TrimSpace(*token)
	if tok == "" {
		tok = tune.AuthToken
	}
	if *noAuth {
		tok = ""
	}

	var world *grid.Grid
	if *snapPath != "" {
		if world, err = loadWorld(*snapPath, reg, tune); err != nil {
			logger.Fatalf("load snapshot: %v", err)
		}
		if world != nil {
			logger.Printf("resumed world from %s", *snapPath)
		}
	}

	relay, err := ws.NewServer(ws.Config{
		Token:     tok,
		Tuning:    tune,
		Registry:  reg,
		World:     world,
		SessionID: strings.TrimSpace(*sessionID),
		Logger:    logger,
	})
	if err != nil {
		logger.Fatalf("relay: %v", err)
	}
	logger.Printf("session %s palette %s (%d blocks) world %dx%d", relay.SessionID(), reg.PaletteDigest(), reg.Len(), tune.MaxX+1, tune.MaxY+1)

	ctx, cancel := signalContext()
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		st := relay.Stats()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP blocktest_relay_clients Current number of connected clients.\n")
		fmt.Fprintf(rw, "# TYPE blocktest_relay_clients gauge\n")
		fmt.Fprintf(rw, "blocktest_relay_clients %d\n", st.Clients)

		fmt.Fprintf(rw, "# HELP blocktest_relay_edits_total Edits received, by outcome.\n")
		fmt.Fprintf(rw, "# TYPE blocktest_relay_edits_total counter\n")
		fmt.Fprintf(rw, "blocktest_relay_edits_total{outcome=%q} %d\n", "accepted", st.Accepted)
		fmt.Fprintf(rw, "blocktest_relay_edits_total{outcome=%q} %d\n", "rejected", st.Rejected)
		fmt.Fprintf(rw, "blocktest_relay_edits_total{outcome=%q} %d\n", "duplicate", st.Duplicates)

		fmt.Fprintf(rw, "# HELP blocktest_relay_resyncs_total WORLD messages sent.\n")
		fmt.Fprintf(rw, "# TYPE blocktest_relay_resyncs_total counter\n")
		fmt.Fprintf(rw, "blocktest_relay_resyncs_total %d\n", st.Resyncs)

		fmt.Fprintf(rw, "# HELP blocktest_relay_kicked_total Clients disconnected for a full out queue.\n")
		fmt.Fprintf(rw, "# TYPE blocktest_relay_kicked_total counter\n")
		fmt.Fprintf(rw, "blocktest_relay_kicked_total %d\n", st.Kicked)
	})
	mux.HandleFunc("/v1/ws", relay.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	if *snapPath != "" {
		snap := snapshot.FromGrid(relay.SessionID(), 0, relay.World(), reg)
		if err := snapshot.WriteSnapshot(*snapPath, snap); err != nil {
			logger.Printf("write snapshot: %v", err)
		} else {
			logger.Printf("wrote %s (digest %s)", *snapPath, relay.Digest())
		}
	}
}

// loadWorld returns nil when path does not exist yet.
func loadWorld(path string, reg *blocks.Registry, tune tuning.Tuning) (*grid.Grid, error) {
	snap, err := snapshot.ReadSnapshot(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	g, err := snap.Grid(reg)
	if err != nil {
		return nil, err
	}
	if g.MaxX() != tune.MaxX || g.MaxY() != tune.MaxY {
		return nil, fmt.Errorf("snapshot is %dx%d, tuning wants %dx%d", g.MaxX(), g.MaxY(), tune.MaxX, tune.MaxY)
	}
	return g, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
