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

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"collabtext/config"
	"collabtext/metrics"
	"collabtext/oplog"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.Fatalf("collabtext-server: %v", err)
	}
}

func rootCmd() *cobra.Command {
	var configPath, logLevel string

	cmd := &cobra.Command{
		Use:           "collabtext-server",
		Short:         "Sync relay for shared CollabText documents",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewLoader(nil).Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, config.NewLogger(cfg.LogLevel))
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./collabtext.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level")
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return cmd
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var (
		opLog oplog.Log = oplog.NewMemoryLog()
		bus   oplog.Bus = oplog.NewMemoryBus()
	)

	if cfg.Server.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Server.RedisAddr})
		if _, err := rdb.Ping(ctx).Result(); err != nil {
			return fmt.Errorf("could not connect to Redis: %w", err)
		}
		defer rdb.Close()
		logger.Info("Connected to Redis successfully", slog.String("addr", cfg.Server.RedisAddr))
		bus = oplog.NewRedisBus(rdb, logger)
	}

	if cfg.Server.DatabaseURL != "" {
		dbpool, err := pgxpool.New(ctx, cfg.Server.DatabaseURL)
		if err != nil {
			return fmt.Errorf("unable to connect to database: %w", err)
		}
		defer dbpool.Close()
		pg := oplog.NewPostgresLog(dbpool)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate op log: %w", err)
		}
		logger.Info("Connected to PostgreSQL successfully")
		opLog = pg
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	relay := NewRelay(opLog, bus, logger, metrics.NewRelay(reg))

	if cfg.Server.Advertise {
		shutdown, err := advertise(cfg.Server.ServiceName, cfg.Server.ListenAddr, logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           newRouter(relay, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("CollabText sync server starting", slog.String("addr", srv.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newRouter(relay *Relay, reg *prometheus.Registry) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", relay.ServeWS)
	r.HandleFunc("/docs/{id}/members", relay.handleMembers).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return r
}
