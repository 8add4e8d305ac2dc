package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"go.krypton.dev/krypton/internal/auth"
	"go.krypton.dev/krypton/internal/blob"
	"go.krypton.dev/krypton/internal/certs"
	"go.krypton.dev/krypton/internal/clipboard"
	"go.krypton.dev/krypton/internal/config"
	"go.krypton.dev/krypton/internal/connio"
	"go.krypton.dev/krypton/internal/registry"
	"go.krypton.dev/krypton/internal/retention"
	"go.krypton.dev/krypton/internal/session"
)

func newServerCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the krypton clipboard sync server",
		Long: `Starts the krypton server: accepts client connections, authenticates
them, and fans clipboard updates out to every other authenticated device
belonging to the same user.

Flags, environment variables, and config-file keys
  Flag           Env var                   Config key
  ──────────────────────────────────────────────────────────────
  --bind-addr    KRYPTON_SERVER_BIND_ADDR  server.bind_addr
  --port         KRYPTON_SERVER_PORT       server.port
  --log-format   KRYPTON_LOGGING_FORMAT    logging.format
  --log-level    KRYPTON_LOGGING_LEVEL     logging.level
  --config       (flag only)

Config file: the path supplied via --config if given; otherwise the first
found of
  /etc/krypton/krypton.toml
  $HOME/.config/krypton/krypton.toml

Precedence: defaults -> config file -> KRYPTON_* env vars -> CLI flags`,
		Args:    cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error { return preRunServer(cmd, v) },
		RunE:    func(_ *cobra.Command, _ []string) error { return runServer(v) },
	}

	f := cmd.Flags()
	f.String("bind-addr", "0.0.0.0", "TCP bind address")
	f.Int("port", 6789, "TCP listen port")
	addLoggingFlags(cmd)
	addConfigFlag(cmd)

	return cmd
}

func preRunServer(cmd *cobra.Command, v *viper.Viper) error {
	if err := bindConfig(cmd, v); err != nil {
		return err
	}
	_ = v.BindPFlag("server.bind_addr", cmd.Flags().Lookup("bind-addr"))
	_ = v.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	return nil
}

func runServer(v *viper.Viper) error {
	setupLogging(v)
	cfg := config.Load(v)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	var blobs clipboard.BlobStore
	if cfg.Images.ExternalStorage {
		blobs = blob.New(cfg.Images.Root)
	}
	clipSvc := clipboard.New(st.Clipboard, blobs, cfg.Images.ExternalStorage, nil)
	authSvc := auth.New(st.Users, st.ApiKeys, nil)
	reg := registry.New()

	tlsProvider, tlsAvailable, err := resolveTLSProvider(cfg.TLS)
	if err != nil {
		return fmt.Errorf("TLS setup: %w", err)
	}
	var tlsConf *tls.Config
	if tlsAvailable {
		tlsConf, err = tlsProvider.ServerConfig()
		if err != nil {
			return fmt.Errorf("TLS config: %w", err)
		}
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddr, cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	defer ln.Close()

	slog.Info("krypton server starting",
		"version", Version,
		"addr", addr,
		"tls_available", tlsAvailable,
		"tls_required", cfg.TLS.Enabled && tlsAvailable,
		"database", cfg.Database.Driver,
		"max_connections", cfg.Server.MaxConnections,
	)

	staleTimeout := time.Duration(cfg.Server.StaleSessionTimeoutMinutes) * time.Minute
	go retention.RunStaleSessionSweeper[registry.Peer](ctx, reg, staleTimeout)

	cleanupCfg := retention.CleanupConfig{
		Enabled:            cfg.Cleanup.Enabled,
		IntervalHours:      cfg.Cleanup.IntervalHours,
		WarmupDelay:        time.Duration(cfg.Cleanup.WarmupMinutes) * time.Minute,
		RetentionDays:      cfg.Cleanup.RetentionDays,
		ImageRetentionDays: cfg.Cleanup.ImageRetentionDays,
	}
	go retention.RunCleanupSweeper(ctx, cleanupCfg, clipSvc)

	go func() {
		<-ctx.Done()
		slog.Info("shutting down, disconnecting all sessions")
		reg.DisconnectAll()
		_ = ln.Close()
	}()

	deps := session.Deps{
		Registry:      reg,
		Auth:          authSvc,
		Clipboard:     clipSvc,
		TLSConfig:     tlsConf,
		TLSAvailable:  tlsAvailable,
		TLSRequired:   cfg.TLS.Enabled && tlsAvailable,
		ServerVersion: Version,
	}

	return acceptLoop(ctx, ln, reg, deps, cfg.Server)
}

// acceptLoop accepts connections until ctx is cancelled or the listener is
// closed. A token-bucket limiter throttles the accept rate ahead of the
// maxConnections hard cap.
func acceptLoop(ctx context.Context, ln net.Listener, reg *registry.Registry, deps session.Deps, srvCfg config.ServerConfig) error {
	limiter := rate.NewLimiter(rate.Limit(srvCfg.AcceptRatePerSecond), srvCfg.AcceptBurst)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("accept: %w", err)
		}

		if err := limiter.Wait(ctx); err != nil {
			_ = conn.Close()
			continue
		}

		if reg.Count() >= srvCfg.MaxConnections {
			slog.Warn("rejecting connection: at max_connections", "remote", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		go handleConn(ctx, conn, reg, deps)
	}
}

func handleConn(ctx context.Context, conn net.Conn, reg *registry.Registry, deps session.Deps) {
	id := uuid.NewString()
	sess := session.New(id, connio.New(conn), deps)
	reg.Add(sess)
	defer reg.Remove(sess)

	if err := sess.Run(ctx); err != nil {
		slog.Warn("session ended with error", "session", id, "err", err)
	}
}

// resolveTLSProvider picks the configured certs.Provider. TLS is considered
// unavailable (rather than a fatal error) if it is simply not configured.
func resolveTLSProvider(cfg config.TLSConfig) (certs.Provider, bool, error) {
	if !cfg.Enabled {
		return nil, false, nil
	}
	if cfg.DevSelfSigned {
		p, err := certs.NewSelfSignedDevProvider()
		if err != nil {
			return nil, false, err
		}
		return p, true, nil
	}
	if cfg.CertPath == "" || cfg.KeyPath == "" {
		return nil, false, fmt.Errorf("tls.enabled is true but neither tls.dev_self_signed nor tls.cert_path/tls.key_path is set")
	}
	return certs.FileProvider{CertPath: cfg.CertPath, KeyPath: cfg.KeyPath}, true, nil
}
