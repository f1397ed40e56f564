package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/engine"
	"github.com/andresmejia3/facegate/internal/log"
	"github.com/andresmejia3/facegate/internal/store"
)

// needs is a command annotation telling the root hook what to set up.
const needs = "needs"

const (
	needsEngine = "engine" // full engine with model workers (default)
	needsStore  = "store"  // identity store only
	needsConfig = "config" // nothing beyond configuration
)

var (
	// Cfg is the loaded configuration shared by subcommands
	Cfg *config.Config
	// Engine is the face engine, set for commands that need models
	Engine *engine.Engine
	// Store is the identity store, set for maintenance commands
	Store *store.Store

	configPath string
	dataDir    string
	logLevel   string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facegate",
	Short:   "Face identity matching engine",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		var err error
		Cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if dataDir != "" {
			Cfg.DataDir = dataDir
		}
		if logLevel != "" {
			Cfg.Log.Level = logLevel
		}
		if f := cmd.Flags().Lookup("threshold"); f != nil && f.Changed {
			Cfg.Threshold, _ = cmd.Flags().GetFloat64("threshold")
		}
		if err := Cfg.Validate(); err != nil {
			return err
		}
		log.Setup(log.Options{Level: Cfg.Log.Level, File: Cfg.Log.File, NoColor: Cfg.Log.NoColor})

		switch cmd.Annotations[needs] {
		case needsConfig:
			return nil
		case needsStore:
			Store, err = store.Open(Cfg.StorePath())
			if err != nil {
				return fmt.Errorf("failed to load identity store: %w", err)
			}
			return nil
		default:
			Engine = engine.Build(Cfg)
			return nil
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := execute(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// execute runs the command tree and then stops the model workers. Cobra
// skips post-run hooks when a command fails, so this cannot be one.
func execute(ctx context.Context) error {
	defer closeEngine()
	return rootCmd.ExecuteContext(ctx)
}

func closeEngine() {
	if Engine != nil {
		Engine.Close()
		Engine = nil
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file (default: built-in settings, .env and FACEGATE_* env vars)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory holding the identity store, cache and reference images")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

// requireEngine reports an unavailable engine the same way for every command.
func requireEngine() error {
	if Engine == nil || !Engine.Available() {
		var err error = engine.ErrUnavailable
		if Engine != nil && Engine.Err() != nil {
			err = fmt.Errorf("%w: %v", engine.ErrUnavailable, Engine.Err())
		}
		showError("Face engine is not available", err)
		return err
	}
	return nil
}
