package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.krypton.dev/krypton/internal/config"
	"go.krypton.dev/krypton/internal/domain"
	"go.krypton.dev/krypton/internal/logging"
	"go.krypton.dev/krypton/internal/store/postgres"
	"go.krypton.dev/krypton/internal/store/sqlite"
)

// stores bundles the three repository interfaces behind a single opened
// backend, so callers don't need to branch on config.DatabaseConfig.Driver
// more than once.
type stores struct {
	Users     domain.UserRepository
	ApiKeys   domain.ApiKeyRepository
	Clipboard domain.ClipboardRepository
	Close     func() error
}

// openStores dispatches on cfg.Driver to open and migrate the configured
// backend.
func openStores(ctx context.Context, cfg config.DatabaseConfig) (*stores, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return &stores{
			Users:     postgres.NewUserRepo(db),
			ApiKeys:   postgres.NewApiKeyRepo(db),
			Clipboard: postgres.NewClipboardRepo(db),
			Close:     func() error { db.Close(); return nil },
		}, nil
	case "sqlite", "":
		db, err := sqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return &stores{
			Users:     sqlite.NewUserRepo(db),
			ApiKeys:   sqlite.NewApiKeyRepo(db),
			Clipboard: sqlite.NewClipboardRepo(db),
			Close:     db.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q (want postgres or sqlite)", cfg.Driver)
	}
}

// addConfigFlag adds the --config flag shared by every subcommand that
// resolves configuration through internal/config.
func addConfigFlag(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "path to config file (overrides auto-discovery)")
}

// addLoggingFlags adds the standard logging flags. Flag names stay short for
// the CLI; bindLoggingFlags below maps them onto the dotted logging.* config
// keys.
func addLoggingFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("no-background", false, "run interactively: tinter logs + debug level")
	cmd.Flags().String("log-format", "auto", "log format: auto|text|json")
	cmd.Flags().String("log-level", "", "log level: debug|info|warn|error (default: info for service, debug for interactive)")
}

// bindLoggingFlags maps the short --log-format/--log-level flags onto the
// config package's dotted logging.format/logging.level keys. Must run after
// config.Bind (which already bound every other flag 1:1 by name). Commands
// that don't carry addLoggingFlags (user, apikey, cleanup) have neither flag
// registered, so this is a no-op for them.
func bindLoggingFlags(cmd *cobra.Command, v *viper.Viper) {
	if f := cmd.Flags().Lookup("log-format"); f != nil {
		_ = v.BindPFlag("logging.format", f)
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil {
		_ = v.BindPFlag("logging.level", f)
	}
}

// setupLogging reads logging flags/config out of v and configures slog.
func setupLogging(v *viper.Viper) {
	cfg := config.Load(v)
	interactive := v.GetBool("no-background") || logging.IsTTY(os.Stderr)
	level := cfg.Logging.Level
	if level == "" {
		if interactive {
			level = "debug"
		} else {
			level = "info"
		}
	}
	logging.Setup(logging.ParseFormat(cfg.Logging.Format), logging.ParseLevel(level))
}

// bindConfig is the standard PreRunE body for every subcommand that reads
// internal/config: bind flags/env/config-file into v, then remap the short
// logging flags onto their dotted config keys. RunE calls config.Load(v)
// once collaborators are ready.
func bindConfig(cmd *cobra.Command, v *viper.Viper) error {
	if err := config.Bind(cmd, v); err != nil {
		return err
	}
	bindLoggingFlags(cmd, v)
	return nil
}
