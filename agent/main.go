package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"collabtext/config"
	"collabtext/metrics"
	"collabtext/replica"
	"collabtext/snapshot"
	"collabtext/tree"
	"collabtext/undo"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Fatalf("collabtext-agent: %v", err)
	}
}

type flags struct {
	configPath string
	logLevel   string
}

func (f *flags) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.NewLoader(nil).Load(f.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	return cfg, config.NewLogger(cfg.LogLevel), nil
}

func rootCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:           "collabtext-agent",
		Short:         "Local replica of a shared CollabText document with undo and redo",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "config file (default ./collabtext.yaml)")
	cmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "override log level")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Open the document and serve the local command API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := f.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
	cmd.RunE = runCmd.RunE

	discoverCmd := &cobra.Command{
		Use:   "discover",
		Short: "List sync relays advertised on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := f.load()
			if err != nil {
				return err
			}
			relays, err := browse(cmd.Context(), cfg.Server.ServiceName, cfg.Agent.DiscoveryTimeout, logger)
			if err != nil {
				return err
			}
			for _, r := range relays {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r.Instance, r.URL)
			}
			return nil
		},
	}

	cmd.AddCommand(runCmd, discoverCmd, &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return cmd
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	docID := cfg.Agent.DocID
	t := tree.NewItems()
	var lastSeq int64

	var store *snapshot.Store
	if cfg.Agent.SnapshotPath != "" {
		var err error
		store, err = snapshot.Open(cfg.Agent.SnapshotPath)
		if err != nil {
			return err
		}
		defer store.Close()

		loaded, seq, err := store.Load(docID)
		switch {
		case err == nil:
			t, lastSeq = loaded, seq
			logger.Info("Restored snapshot", slog.String("doc", docID), slog.Int64("seq", seq))
		case !errors.Is(err, snapshot.ErrNotFound):
			return err
		}
	}

	serverURL := cfg.Agent.ServerURL
	if serverURL == "" {
		var err error
		serverURL, err = discoverRelay(ctx, cfg.Server.ServiceName, cfg.Agent.DiscoveryTimeout, logger)
		if err != nil {
			return fmt.Errorf("no server_url configured: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	m := undo.New(t,
		undo.WithLogger(logger),
		undo.WithMetrics(metrics.NewUndo(reg)),
		undo.WithLimit(cfg.Agent.UndoLimit))
	defer m.Close()
	session := replica.New(t, m, docID,
		replica.WithLogger(logger),
		replica.WithMetrics(metrics.NewSync(reg)),
		replica.WithLastSeq(lastSeq))

	hub := newHub(logger)
	go hub.run()
	app := newApp(session, hub, logger)
	go app.watch(ctx)

	done := make(chan struct{})
	if store != nil {
		go func() {
			defer close(done)
			app.checkpoints(ctx, store, docID, cfg.Agent.SnapshotInterval)
		}()
	} else {
		close(done)
	}

	go func() {
		if err := session.Run(ctx, serverURL); err != nil {
			logger.Error("Sync stopped", slog.String("error", err.Error()))
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Agent.ListenAddr,
		Handler:           newRouter(app, reg, cfg.Agent.UIDir),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("CollabText agent is running",
			slog.String("addr", srv.Addr),
			slog.String("doc", docID),
			slog.String("server", serverURL))
		errc <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("failed to start server: %w", err)
		}
		cancel()
	case <-ctx.Done():
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		serveErr = srv.Shutdown(shutdownCtx)
	}
	<-done
	return serveErr
}
