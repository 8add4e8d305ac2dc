package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"go.krypton.dev/krypton/internal/auth"
	"go.krypton.dev/krypton/internal/config"
	"go.krypton.dev/krypton/internal/domain"
)

func newUserCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}
	addConfigFlag(cmd)
	cmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error { return bindConfig(cmd, v) }

	cmd.AddCommand(
		newUserListCmd(v),
		newUserAddCmd(v),
		newUserDeleteCmd(v),
		newUserSetAdminCmd(v),
	)
	return cmd
}

func newUserListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List user accounts",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx := context.Background()
			st, err := openStores(ctx, config.Load(v).Database)
			if err != nil {
				return err
			}
			defer st.Close()

			users, err := st.Users.List(ctx)
			if err != nil {
				return fmt.Errorf("list users: %w", err)
			}
			printUsers(users)
			return nil
		},
	}
}

func printUsers(users []*domain.User) {
	if len(users) == 0 {
		fmt.Println("No users.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 1, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tADMIN\tACTIVE\tCREATED\tLAST LOGIN")
	fmt.Fprintln(w, "--------\t-----\t------\t-------\t----------")
	for _, u := range users {
		lastLogin := "-"
		if u.LastLoginAt != nil {
			lastLogin = u.LastLoginAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%v\t%v\t%s\t%s\n",
			u.Username, u.IsAdmin, u.IsActive, u.CreatedAt.UTC().Format(time.RFC3339), lastLogin)
	}
	_ = w.Flush()
}

func newUserAddCmd(v *viper.Viper) *cobra.Command {
	var admin bool
	cmd := &cobra.Command{
		Use:   "add <username> <password>",
		Short: "Create a user account",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			username, password := args[0], args[1]
			if len(username) < auth.MinUsernameLen {
				return fmt.Errorf("username must be at least %d characters", auth.MinUsernameLen)
			}
			if len(password) < auth.MinPasswordLen {
				return fmt.Errorf("password must be at least %d characters", auth.MinPasswordLen)
			}

			ctx := context.Background()
			st, err := openStores(ctx, config.Load(v).Database)
			if err != nil {
				return err
			}
			defer st.Close()

			hash, err := bcrypt.GenerateFromPassword([]byte(password), auth.BcryptCost)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}
			u := &domain.User{
				ID:           uuid.NewString(),
				Username:     username,
				PasswordHash: string(hash),
				IsAdmin:      admin,
				IsActive:     true,
				CreatedAt:    time.Now(),
			}
			if err := st.Users.Create(ctx, u); err != nil {
				return fmt.Errorf("create user: %w", err)
			}
			fmt.Printf("created user %q (admin=%v)\n", username, admin)
			return nil
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "grant admin privileges")
	return cmd
}

func newUserDeleteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <username>",
		Short: "Delete a user account",
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
			if err := st.Users.Delete(ctx, u.ID); err != nil {
				return fmt.Errorf("delete user: %w", err)
			}
			fmt.Printf("deleted user %q\n", args[0])
			return nil
		},
	}
}

func newUserSetAdminCmd(v *viper.Viper) *cobra.Command {
	var revoke bool
	cmd := &cobra.Command{
		Use:   "set-admin <username>",
		Short: "Grant or revoke admin privileges",
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
			isAdmin := !revoke
			if err := st.Users.SetAdmin(ctx, u.ID, isAdmin); err != nil {
				return fmt.Errorf("set admin: %w", err)
			}
			fmt.Printf("%q admin=%v\n", args[0], isAdmin)
			return nil
		},
	}
	cmd.Flags().BoolVar(&revoke, "revoke", false, "revoke admin instead of granting it")
	return cmd
}
