package main

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/hkdf"

	"go.krypton.dev/krypton/internal/auth"
	"go.krypton.dev/krypton/internal/config"
)

// setupTOML mirrors config.Config's section layout for writing a fresh
// krypton.toml. Kept separate from config.Config itself so the on-disk
// key casing (snake_case TOML keys) is explicit rather than relying on
// struct tag inference.
type setupTOML struct {
	Server struct {
		BindAddr       string `toml:"bind_addr"`
		Port           int    `toml:"port"`
		MaxConnections int    `toml:"max_connections"`
	} `toml:"server"`
	Database struct {
		Driver string `toml:"driver"`
		DSN    string `toml:"dsn"`
	} `toml:"database"`
	TLS struct {
		Enabled       bool   `toml:"enabled"`
		CertPath      string `toml:"cert_path"`
		KeyPath       string `toml:"key_path"`
		DevSelfSigned bool   `toml:"dev_self_signed"`
	} `toml:"tls"`
}

func newSetupCmd() *cobra.Command {
	var (
		configDir   string
		dbDriver    string
		dbDSN       string
		adminUser   string
		adminPass   string
		skipCert    bool
		skipAdmin   bool
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "First-run wizard: config file, dev TLS certificate, initial admin account",
		Long: `Generates a self-signed development TLS certificate/key pair, a
krypton.toml in the first of the standard config search directories, and an
initial admin user, in that order. An existing config file is left
untouched. The certificate pair is rewritten on every run unless --skip-cert
is given; --skip-admin skips the admin step, which otherwise fails if that
username already exists.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runSetup(configDir, dbDriver, dbDSN, adminUser, adminPass, skipCert, skipAdmin)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configDir, "config-dir", "", "directory to write krypton.toml into (default: first of internal/config.SearchPaths())")
	f.StringVar(&dbDriver, "db-driver", "sqlite", "database driver: sqlite|postgres")
	f.StringVar(&dbDSN, "db-dsn", "krypton.db", "database DSN (sqlite file path, or postgres connection string)")
	f.StringVar(&adminUser, "admin-username", "admin", "initial admin account username")
	f.StringVar(&adminPass, "admin-password", "", "initial admin account password (prompted if empty)")
	f.BoolVar(&skipCert, "skip-cert", false, "don't generate a development TLS certificate")
	f.BoolVar(&skipAdmin, "skip-admin", false, "don't create an initial admin account")
	return cmd
}

func runSetup(configDir, dbDriver, dbDSN, adminUser, adminPass string, skipCert, skipAdmin bool) error {
	if configDir == "" {
		paths := config.SearchPaths()
		if len(paths) == 0 {
			return fmt.Errorf("no config search paths for this platform")
		}
		configDir = paths[0]
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var tomlCfg setupTOML
	tomlCfg.Server.BindAddr = "0.0.0.0"
	tomlCfg.Server.Port = 6789
	tomlCfg.Server.MaxConnections = 1000
	tomlCfg.Database.Driver = dbDriver
	tomlCfg.Database.DSN = dbDSN

	if !skipCert {
		certPath := filepath.Join(configDir, "krypton-dev.crt")
		keyPath := filepath.Join(configDir, "krypton-dev.key")
		if err := writeDevCert(certPath, keyPath); err != nil {
			return fmt.Errorf("generate dev certificate: %w", err)
		}
		tomlCfg.TLS.Enabled = true
		tomlCfg.TLS.CertPath = certPath
		tomlCfg.TLS.KeyPath = keyPath
		fmt.Printf("wrote development TLS certificate to %s\n", certPath)
	}

	configPath := filepath.Join(configDir, "krypton.toml")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("config file %s already exists, leaving it alone\n", configPath)
	} else {
		f, err := os.Create(configPath)
		if err != nil {
			return fmt.Errorf("create config file: %w", err)
		}
		defer f.Close()
		if err := toml.NewEncoder(f).Encode(tomlCfg); err != nil {
			return fmt.Errorf("write config file: %w", err)
		}
		fmt.Printf("wrote %s\n", configPath)
	}

	if skipAdmin {
		return nil
	}

	if adminPass == "" {
		var err error
		adminPass, err = promptPassword(fmt.Sprintf("password for admin account %q: ", adminUser))
		if err != nil {
			return fmt.Errorf("read admin password: %w", err)
		}
	}

	ctx := context.Background()
	st, err := openStores(ctx, config.DatabaseConfig{Driver: dbDriver, DSN: dbDSN})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	authSvc := auth.New(st.Users, st.ApiKeys, nil)
	u, _, err := authSvc.Register(ctx, adminUser, adminPass, "setup")
	if err != nil {
		return fmt.Errorf("create admin account: %w", err)
	}
	if err := st.Users.SetAdmin(ctx, u.ID, true); err != nil {
		return fmt.Errorf("grant admin: %w", err)
	}
	fmt.Printf("created admin account %q\n", adminUser)
	return nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return trimNewline(line), nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// writeDevCert generates a self-signed ECDSA P-256 certificate whose private
// key is derived via HKDF from a freshly random seed, rather than
// internal/certs.SelfSignedDevProvider's regenerate-every-process key, since
// a setup-written cert needs to survive server restarts without the operator
// needing to rerun setup.
func writeDevCert(certPath, keyPath string) error {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return fmt.Errorf("generate seed: %w", err)
	}
	kdf := hkdf.New(sha256.New, seed, nil, []byte("krypton setup dev cert key"))

	key, err := ecdsa.GenerateKey(elliptic.P256(), kdf)
	if err != nil {
		return fmt.Errorf("derive key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate serial: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "krypton-dev"},
		DNSNames:              []string{"krypton-dev", "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(825 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}

	if err := writePEM(certPath, "CERTIFICATE", certDER); err != nil {
		return err
	}
	if err := writePEM(keyPath, "EC PRIVATE KEY", keyDER); err != nil {
		return err
	}
	return nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
}
