// Package main provides the qdbd server entry point.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rqure/qdb/internal/authn"
	"github.com/rqure/qdb/internal/config"
	"github.com/rqure/qdb/internal/evalstub"
	"github.com/rqure/qdb/internal/metrics"
	"github.com/rqure/qdb/internal/qdb"
	"github.com/rqure/qdb/internal/snapshot"
	"github.com/rqure/qdb/internal/wire"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "qdbd",
		Short: "qdbd is an entity-attribute-value database server",
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("qdbd v%s\n", version)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the qdbd server",
		RunE:  runServe,
	}
	rootCmd.AddCommand(serveCmd)

	snapCmd := &cobra.Command{Use: "snapshot", Short: "Snapshot management"}
	saveCmd := &cobra.Command{
		Use:   "save <path>",
		Short: "Write a snapshot to a file",
		Args:  cobra.ExactArgs(1),
		RunE:  runSnapshotSave,
	}
	loadCmd := &cobra.Command{
		Use:   "load <path>",
		Short: "Restore a snapshot from a file into a fresh engine and report entity counts",
		Args:  cobra.ExactArgs(1),
		RunE:  runSnapshotLoad,
	}
	snapCmd.AddCommand(saveCmd, loadCmd)
	rootCmd.AddCommand(snapCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the process logger from the Log section of the
// config: text or JSON handler at the configured level.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.JSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// buildEngine constructs a fresh engine with the User schema this server
// provisions for credential storage, and optionally the initial admin
// user from the Auth config section.
func buildEngine(cfg config.Config) (*qdb.Engine, *authn.Authenticator, error) {
	core := qdb.NewEngine()
	core.Evaluator = evalstub.New()

	userType := core.Interner.InternEntityType("User")
	credentialField := core.Interner.InternFieldType("Credential")
	nameField := core.Interner.InternFieldType("Name")

	err := core.SchemaUpdate(qdb.SingleSchema{
		Type: userType,
		Fields: map[qdb.FieldTypeHandle]qdb.FieldSchema{
			nameField:       {Name: "Name", Variant: qdb.VariantString, Default: qdb.NewString(""), Rank: 0, Scope: qdb.ScopeConfiguration},
			credentialField: {Name: "Credential", Variant: qdb.VariantString, Default: qdb.NewString(""), Rank: 1, Scope: qdb.ScopeConfiguration},
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("registering User schema: %w", err)
	}

	authConfig := authn.DefaultConfig()
	if cfg.Auth.TokenSecret != "" {
		authConfig.TokenSecret = []byte(cfg.Auth.TokenSecret)
	}
	authConfig.TokenExpiry = cfg.Auth.TokenExpiry
	authenticator := authn.New(core, userType, credentialField, authConfig)

	if cfg.Auth.InitialUsername != "" {
		id, err := core.Create(userType, nil, cfg.Auth.InitialUsername)
		if err != nil {
			return nil, nil, fmt.Errorf("creating initial user: %w", err)
		}
		if err := authenticator.SetCredential(id, cfg.Auth.InitialPassword); err != nil {
			return nil, nil, fmt.Errorf("setting initial credential: %w", err)
		}
	}

	return core, authenticator, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	core, authenticator, err := buildEngine(cfg)
	if err != nil {
		return err
	}

	if cfg.Store.SnapshotPath != "" {
		if f, err := os.Open(cfg.Store.SnapshotPath); err == nil {
			err := core.Restore(f, snapshot.NewStreamSink())
			f.Close()
			if err != nil {
				return fmt.Errorf("restoring snapshot: %w", err)
			}
			logger.Info("restored snapshot", "path", cfg.Store.SnapshotPath)
		}
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			logger.Info("metrics listening", "address", cfg.Server.MetricsAddress)
			if err := http.ListenAndServe(cfg.Server.MetricsAddress, mux); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	srv := wire.New(wire.Config{
		ListenAddress:   cfg.Server.ListenAddress,
		MaxConnections:  cfg.Server.MaxConnections,
		ReadBufferSize:  cfg.Server.ReadBufferSize,
		WriteBufferSize: cfg.Server.WriteBufferSize,
	}, &wire.Engine{
		Core:                core,
		Authenticator:       authenticator,
		NotifyQueueCapacity: 256,
		Metrics:             m,
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", cfg.Server.ListenAddress)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		logger.Info("shutting down")
	}

	if err := srv.Close(); err != nil {
		return err
	}

	if cfg.Store.SnapshotPath != "" {
		f, err := os.Create(cfg.Store.SnapshotPath)
		if err != nil {
			return fmt.Errorf("writing final snapshot: %w", err)
		}
		defer f.Close()
		if err := core.Snapshot(f, snapshot.NewStreamSink()); err != nil {
			return fmt.Errorf("writing final snapshot: %w", err)
		}
		logger.Info("wrote final snapshot", "path", cfg.Store.SnapshotPath)
	}
	return nil
}

func runSnapshotSave(cmd *cobra.Command, args []string) error {
	cfg := config.LoadFromEnv()
	core, _, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	if err := core.Snapshot(f, snapshot.NewStreamSink()); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	fmt.Printf("qdbd: snapshot written to %s\n", args[0])
	return nil
}

func runSnapshotLoad(cmd *cobra.Command, args []string) error {
	cfg := config.LoadFromEnv()
	core, _, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	if err := core.Restore(f, snapshot.NewStreamSink()); err != nil {
		return fmt.Errorf("restoring snapshot: %w", err)
	}
	for _, typeName := range core.Interner.ListEntityTypes() {
		t := core.Interner.InternEntityType(typeName)
		ids, err := core.FindEntities(t, "")
		if err != nil {
			continue
		}
		fmt.Printf("qdbd: %s: %d entities\n", typeName, len(ids))
	}
	return nil
}
