package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"library-lending/config"
	"library-lending/library"
	"library-lending/logger"
	"library-lending/server"
)

const defaultConfigFile = "library.yaml"

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "library",
		Short:         "Library lending service speaking a line protocol over TCP",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.PersistentFlags().String("conf", defaultConfigFile, "path to the YAML configuration file")
	cmd.AddCommand(newServeCommand(), newSeedAdminCommand(), newConsoleCommand(), newVersionCommand())
	return cmd
}

// loadConfig reads the file named by --conf. A missing default file is not
// an error: the built-in defaults apply.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	name, _ := cmd.Flags().GetString("conf")
	cfg, path, err := config.Load(name)
	if err == nil {
		return cfg, path, nil
	}
	if errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("conf") {
		return config.Default(), "", nil
	}
	return nil, path, err
}

func openManager(cfg *config.Config, log *zap.Logger) (*library.LibraryManager, *library.Database, error) {
	db, err := library.NewDatabase(cfg.Database.Path, cfg.Database.BusyTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}
	manager := library.NewLibraryManager(db, library.NewBcryptHasher(), log,
		library.WithLoanDays(cfg.Lending.LoanDays),
		library.WithMinPasswordLength(cfg.Lending.MinPasswordLength),
		library.WithRecentHistory(cfg.Lending.RecentHistory))
	return manager, db, nil
}

func newServeCommand() *cobra.Command {
	var (
		port    int
		workers int
		dbPath  string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the lending server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("workers") {
				cfg.Server.MaxWorkers = workers
			}
			if cmd.Flags().Changed("db") {
				cfg.Database.Path = dbPath
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log, err := logger.NewLogger(&cfg.Logger)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer func() { _ = log.Sync() }()
			if cfgPath != "" {
				log.Info("loaded config file", zap.String("path", cfgPath))
			}

			manager, db, err := openManager(cfg, log)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			created, err := manager.EnsureAdmin(ctx, cfg.Admin.Username, cfg.Admin.Password)
			if err != nil {
				return fmt.Errorf("seed admin: %w", err)
			}
			if created {
				log.Info("seeded admin account", zap.String("username", cfg.Admin.Username))
			}

			opts := []server.Option{server.WithLogger(log)}
			if cfg.Metrics.Enabled {
				metrics := server.NewMetrics(cfg.Metrics.Namespace)
				opts = append(opts, server.WithMetrics(metrics))
				metricsSrv := serveMetrics(cfg.Metrics.Listen, metrics, log)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = metricsSrv.Shutdown(shutdownCtx)
				}()
			}

			srv := server.New(server.Config{
				Addr:          cfg.Addr(),
				MaxWorkers:    cfg.Server.MaxWorkers,
				IdleTimeout:   cfg.Server.IdleTimeout,
				ShutdownGrace: cfg.Server.ShutdownGrace,
				MaxLineBytes:  cfg.Server.MaxLineBytes,
			}, manager, opts...)

			go func() {
				<-ctx.Done()
				log.Info("shutdown signal received")
				if err := srv.Stop(); err != nil {
					log.Error("shutdown failed", zap.Error(err))
				}
			}()

			if err := srv.Start(); err != nil && !errors.Is(err, server.ErrServerStopped) {
				return err
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&port, "port", config.DefaultPort, "TCP port to listen on")
	flags.IntVar(&workers, "workers", config.DefaultMaxWorkers, "maximum concurrent sessions")
	flags.StringVar(&dbPath, "db", config.DefaultDatabasePath, "path to the sqlite database")
	return cmd
}

func serveMetrics(addr string, metrics *server.Metrics, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("metrics listening", zap.String("address", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

func newSeedAdminCommand() *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "seed-admin",
		Short: "Create the admin account if no active admin exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if username != "" {
				cfg.Admin.Username = username
			}
			password, err := readPassword(fmt.Sprintf("Password for %s (empty keeps the configured one): ", cfg.Admin.Username))
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			if password != "" {
				cfg.Admin.Password = password
			}

			manager, db, err := openManager(cfg, zap.NewNop())
			if err != nil {
				return err
			}
			defer db.Close()

			created, err := manager.EnsureAdmin(cmd.Context(), cfg.Admin.Username, cfg.Admin.Password)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "Admin account %q is ready.\n", cfg.Admin.Username)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "An active admin already exists; nothing to do.")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "admin username (defaults to admin.username from the config)")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "library %s\n", version)
			return err
		},
	}
}
