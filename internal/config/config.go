// Package config defines Krypton's TOML configuration schema and resolves it
// through viper with the precedence chain: defaults -> config file ->
// KRYPTON_* env vars -> CLI flags.
//
// Sections: [server] [database] [cleanup] [tls] [tls.letsencrypt] [logging]
// [images].
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the fully-resolved server configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Cleanup  CleanupConfig
	TLS      TLSConfig
	Logging  LoggingConfig
	Images   ImagesConfig
}

// ServerConfig is the [server] section: bind address, port, and connection
// limits. Default TCP port is 6789, default MaxConnections is 1000.
type ServerConfig struct {
	BindAddr       string
	Port           int
	MaxConnections int
	// AcceptRatePerSecond/AcceptBurst configure the per-process accept-rate
	// limiter ahead of MaxConnections (supplemented feature, see DESIGN.md).
	AcceptRatePerSecond float64
	AcceptBurst         int
	// StaleSessionTimeoutMinutes is how long a session may go without
	// activity before the stale-session sweeper evicts it.
	StaleSessionTimeoutMinutes int
}

// DatabaseConfig is the [database] section: which of the two pluggable
// repository backends to use. Storage backend is an operator choice.
type DatabaseConfig struct {
	Driver string // "postgres" or "sqlite"
	DSN    string // postgres connection string, or sqlite file path
}

// CleanupConfig is the [cleanup] section, mirroring internal/retention's
// sweeper configuration.
type CleanupConfig struct {
	Enabled            bool
	IntervalHours      int
	WarmupMinutes      int
	RetentionDays      int
	ImageRetentionDays int
}

// TLSConfig is the [tls] section.
type TLSConfig struct {
	Enabled bool
	// CertPath/KeyPath back internal/certs.FileProvider.
	CertPath string
	KeyPath  string
	// DevSelfSigned opts into internal/certs.SelfSignedDevProvider instead of
	// a file-loaded certificate. Must be explicit, never implied by a
	// missing cert path.
	DevSelfSigned bool
	LetsEncrypt   LetsEncryptConfig
}

// LetsEncryptConfig is the [tls.letsencrypt] subsection. ACME issuance itself
// is an external collaborator; this struct only carries the operator-facing
// configuration an eventual ACME client would consume.
type LetsEncryptConfig struct {
	Enabled  bool
	Domain   string
	Email    string
	CacheDir string
}

// LoggingConfig is the [logging] section, consumed by internal/logging.
type LoggingConfig struct {
	Format string // auto|text|json
	Level  string // debug|info|warn|error
}

// ImagesConfig is the [images] section: where externally-stored image
// blobs live, laid out as {Root}/images/{userId}/{uuid}.png.
type ImagesConfig struct {
	Root            string
	ExternalStorage bool
}

// Defaults returns the configuration in effect before any config file, env
// var, or flag is applied.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			BindAddr:                   "0.0.0.0",
			Port:                       6789,
			MaxConnections:             1000,
			AcceptRatePerSecond:        20,
			AcceptBurst:                40,
			StaleSessionTimeoutMinutes: 5,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "krypton.db",
		},
		Cleanup: CleanupConfig{
			Enabled:            false,
			IntervalHours:      24,
			WarmupMinutes:      1,
			RetentionDays:      0,
			ImageRetentionDays: 0,
		},
		TLS: TLSConfig{
			Enabled:       false,
			DevSelfSigned: false,
		},
		Logging: LoggingConfig{
			Format: "auto",
			Level:  "",
		},
		Images: ImagesConfig{
			Root:            "images",
			ExternalStorage: false,
		},
	}
}

// SetDefaults registers Defaults() on v so that unset keys resolve without
// every caller needing to duplicate the zero-value table.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("server.bind_addr", d.Server.BindAddr)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.max_connections", d.Server.MaxConnections)
	v.SetDefault("server.accept_rate_per_second", d.Server.AcceptRatePerSecond)
	v.SetDefault("server.accept_burst", d.Server.AcceptBurst)
	v.SetDefault("server.stale_session_timeout_minutes", d.Server.StaleSessionTimeoutMinutes)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.dsn", d.Database.DSN)

	v.SetDefault("cleanup.enabled", d.Cleanup.Enabled)
	v.SetDefault("cleanup.interval_hours", d.Cleanup.IntervalHours)
	v.SetDefault("cleanup.warmup_minutes", d.Cleanup.WarmupMinutes)
	v.SetDefault("cleanup.retention_days", d.Cleanup.RetentionDays)
	v.SetDefault("cleanup.image_retention_days", d.Cleanup.ImageRetentionDays)

	v.SetDefault("tls.enabled", d.TLS.Enabled)
	v.SetDefault("tls.dev_self_signed", d.TLS.DevSelfSigned)
	v.SetDefault("tls.letsencrypt.enabled", d.TLS.LetsEncrypt.Enabled)

	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.level", d.Logging.Level)

	v.SetDefault("images.root", d.Images.Root)
	v.SetDefault("images.external_storage", d.Images.ExternalStorage)
}

// Load reads the fully-resolved Config out of v after SetDefaults,
// ReadInConfig, and flag binding have already run.
func Load(v *viper.Viper) Config {
	return Config{
		Server: ServerConfig{
			BindAddr:                   v.GetString("server.bind_addr"),
			Port:                       v.GetInt("server.port"),
			MaxConnections:             v.GetInt("server.max_connections"),
			AcceptRatePerSecond:        v.GetFloat64("server.accept_rate_per_second"),
			AcceptBurst:                v.GetInt("server.accept_burst"),
			StaleSessionTimeoutMinutes: v.GetInt("server.stale_session_timeout_minutes"),
		},
		Database: DatabaseConfig{
			Driver: v.GetString("database.driver"),
			DSN:    v.GetString("database.dsn"),
		},
		Cleanup: CleanupConfig{
			Enabled:            v.GetBool("cleanup.enabled"),
			IntervalHours:      v.GetInt("cleanup.interval_hours"),
			WarmupMinutes:      v.GetInt("cleanup.warmup_minutes"),
			RetentionDays:      v.GetInt("cleanup.retention_days"),
			ImageRetentionDays: v.GetInt("cleanup.image_retention_days"),
		},
		TLS: TLSConfig{
			Enabled:       v.GetBool("tls.enabled"),
			CertPath:      v.GetString("tls.cert_path"),
			KeyPath:       v.GetString("tls.key_path"),
			DevSelfSigned: v.GetBool("tls.dev_self_signed"),
			LetsEncrypt: LetsEncryptConfig{
				Enabled:  v.GetBool("tls.letsencrypt.enabled"),
				Domain:   v.GetString("tls.letsencrypt.domain"),
				Email:    v.GetString("tls.letsencrypt.email"),
				CacheDir: v.GetString("tls.letsencrypt.cache_dir"),
			},
		},
		Logging: LoggingConfig{
			Format: v.GetString("logging.format"),
			Level:  v.GetString("logging.level"),
		},
		Images: ImagesConfig{
			Root:            v.GetString("images.root"),
			ExternalStorage: v.GetBool("images.external_storage"),
		},
	}
}

// Bind wires a cobra command's flags into v with the standard config file
// search order and KRYPTON_* env var prefix.
//
// Precedence (lowest -> highest): defaults -> config file -> KRYPTON_* env vars -> flags
func Bind(cmd *cobra.Command, v *viper.Viper) error {
	SetDefaults(v)

	configFlag, _ := cmd.Flags().GetString("config")
	if configFlag != "" {
		v.SetConfigFile(configFlag)
	} else {
		v.SetConfigName("krypton")
		v.SetConfigType("toml")
		for _, p := range SearchPaths() {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("config: %w", err)
		}
	}

	v.SetEnvPrefix("KRYPTON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("config: binding flags: %w", err)
	}
	return nil
}

// SearchPaths returns the ordered list of directories to search for
// krypton.toml; viper searches them in this order and uses the first
// krypton.toml it finds.
func SearchPaths() []string {
	var paths []string

	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, fmt.Sprintf(`%s\krypton`, pd))
		}
		if appdata := os.Getenv("APPDATA"); appdata != "" {
			paths = append(paths, fmt.Sprintf(`%s\krypton`, appdata))
		}
	} else {
		paths = append(paths, "/etc/krypton")
		if home, err := os.UserHomeDir(); err == nil {
			paths = append(paths, fmt.Sprintf("%s/.config/krypton", home))
		}
	}

	return paths
}
