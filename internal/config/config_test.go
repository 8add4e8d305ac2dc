package config

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestDefaultsMatchSpecMdDefaults(t *testing.T) {
	d := Defaults()
	require.Equal(t, 6789, d.Server.Port)
	require.Equal(t, 1000, d.Server.MaxConnections)
	require.Equal(t, "0.0.0.0", d.Server.BindAddr)
	require.False(t, d.Cleanup.Enabled)
	require.False(t, d.TLS.DevSelfSigned)
}

func TestBindAppliesDefaultsAndFlagOverride(t *testing.T) {
	cmd := &cobra.Command{Use: "server"}
	cmd.Flags().String("config", "", "")
	cmd.Flags().Int("port", 6789, "")

	v := viper.New()
	require.NoError(t, Bind(cmd, v))
	v.BindPFlag("server.port", cmd.Flags().Lookup("port"))

	require.NoError(t, cmd.Flags().Set("port", "7000"))
	cfg := Load(v)
	require.Equal(t, 7000, cfg.Server.Port)
	require.Equal(t, "sqlite", cfg.Database.Driver, "unset keys keep their SetDefaults value")
}

func TestSearchPathsNonEmpty(t *testing.T) {
	paths := SearchPaths()
	require.NotEmpty(t, paths)
}
