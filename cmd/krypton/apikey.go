package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.krypton.dev/krypton/internal/config"
	"go.krypton.dev/krypton/internal/domain"
)

// apiKeyBytes matches internal/auth's entropy floor (256 bits).
const apiKeyBytes = 32

func newApiKeyCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	addConfigFlag(cmd)
	cmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error { return bindConfig(cmd, v) }

	cmd.AddCommand(
		newApiKeyListCmd(v),
		newApiKeyGenerateCmd(v),
		newApiKeyRevokeCmd(v),
	)
	return cmd
}

func newApiKeyListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list <username>",
		Short: "List a user's API keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx := context.Background()
			st, err := openStores(ctx, config.Load(v).Database)
			if err != nil {
				return err
			}
			defer st.Close()

			u, err := st.Users.GetByUsername(ctx, args[0])
			if err != nil {
				return fmt.Errorf("lookup user: %w", err)
			}
			keys, err := st.ApiKeys.ListByUser(ctx, u.ID)
			if err != nil {
				return fmt.Errorf("list keys: %w", err)
			}
			printApiKeys(keys)
			return nil
		},
	}
}

func printApiKeys(keys []*domain.ApiKey) {
	if len(keys) == 0 {
		fmt.Println("No API keys.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 1, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tREVOKED\tCREATED\tLAST USED")
	fmt.Fprintln(w, "----\t-------\t-------\t---------")
	for _, k := range keys {
		lastUsed := "-"
		if k.LastUsedAt != nil {
			lastUsed = k.LastUsedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%v\t%s\t%s\n",
			k.Name, k.Revoked, k.CreatedAt.UTC().Format(time.RFC3339), lastUsed)
	}
	_ = w.Flush()
}

func newApiKeyGenerateCmd(v *viper.Viper) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "generate <username>",
		Short: "Mint a new API key for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx := context.Background()
			st, err := openStores(ctx, config.Load(v).Database)
			if err != nil {
				return err
			}
			defer st.Close()

			u, err := st.Users.GetByUsername(ctx, args[0])
			if err != nil {
				return fmt.Errorf("lookup user: %w", err)
			}

			raw := make([]byte, apiKeyBytes)
			if _, err := rand.Read(raw); err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			plain := hex.EncodeToString(raw)

			keyName := name
			if keyName == "" {
				keyName = "CLI-generated"
			}
			k := &domain.ApiKey{
				ID:        uuid.NewString(),
				UserID:    u.ID,
				Key:       plain,
				Name:      keyName,
				CreatedAt: time.Now(),
			}
			if err := st.ApiKeys.Create(ctx, k); err != nil {
				return fmt.Errorf("store key: %w", err)
			}
			fmt.Printf("API key for %q (%s), shown once:\n%s\n", args[0], keyName, plain)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the new key (default: \"CLI-generated\")")
	return cmd
}

func newApiKeyRevokeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <username> <key-name>",
		Short: "Revoke one of a user's API keys by name",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx := context.Background()
			st, err := openStores(ctx, config.Load(v).Database)
			if err != nil {
				return err
			}
			defer st.Close()

			u, err := st.Users.GetByUsername(ctx, args[0])
			if err != nil {
				return fmt.Errorf("lookup user: %w", err)
			}
			keys, err := st.ApiKeys.ListByUser(ctx, u.ID)
			if err != nil {
				return fmt.Errorf("list keys: %w", err)
			}
			for _, k := range keys {
				if k.Name == args[1] {
					if err := st.ApiKeys.Revoke(ctx, k.ID); err != nil {
						return fmt.Errorf("revoke key: %w", err)
					}
					fmt.Printf("revoked key %q for %q\n", args[1], args[0])
					return nil
				}
			}
			return fmt.Errorf("no key named %q for user %q", args[1], args[0])
		},
	}
}
