package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/medportal/internal/config"
	"github.com/ehr/medportal/internal/domain/account"
	"github.com/ehr/medportal/internal/domain/session"
	"github.com/ehr/medportal/internal/platform/auth"
	"github.com/ehr/medportal/internal/platform/db"
	"github.com/ehr/medportal/migrations"
)

// migrationFiles returns the embedded migrations unless dir is set.
func migrationFiles(dir string) fs.FS {
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(cmd.Context(), func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				count, err := db.NewMigrator(pool, migrationFiles(dir)).Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(cmd.Context(), func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, migrationFiles(dir)).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd, statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Maintain refresh sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete expired sessions once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				store, _, cleanup, err := sessionStore(ctx, cfg, pool)
				if err != nil {
					return err
				}
				defer cleanup()
				n, err := session.NewPurger(store, cfg.PurgeInterval, nil, zerolog.Nop()).PurgeOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Purged %d expired session(s).\n", n)
				return nil
			})
		},
	})
	return cmd
}

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage portal accounts",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an active account with any role (bootstrap an admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			roleName, _ := cmd.Flags().GetString("role")
			password, _ := cmd.Flags().GetString("password")
			name, _ := cmd.Flags().GetString("name")
			if password == "" {
				password = os.Getenv("MEDPORTAL_ACCOUNT_PASSWORD")
			}
			in, err := provisionInput(email, roleName, password, name)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				u, err := a.accounts.Provision(ctx, in, true)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created %s account %s (%s).\n", u.Role, u.ID, u.Email)
				return nil
			})
		},
	}
	createCmd.Flags().String("email", "", "Login email")
	createCmd.Flags().String("role", auth.RoleAdmin.String(), "patient, doctor or admin")
	createCmd.Flags().String("password", "", "Initial password (or MEDPORTAL_ACCOUNT_PASSWORD)")
	createCmd.Flags().String("name", "", "Display name")
	cmd.AddCommand(createCmd)

	approveCmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending doctor account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid account id: %w", err)
			}
			byFlag, _ := cmd.Flags().GetString("by")
			var by uuid.UUID
			if byFlag != "" {
				if by, err = uuid.Parse(byFlag); err != nil {
					return fmt.Errorf("invalid --by id: %w", err)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				u, err := a.accounts.Approve(ctx, id, by)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Account %s (%s) is active.\n", u.ID, u.Email)
				return nil
			})
		},
	}
	approveCmd.Flags().String("by", "", "Id of the approving admin, recorded on the account")
	cmd.AddCommand(approveCmd)

	return cmd
}

// provisionInput checks the flags of accounts create.
func provisionInput(email, roleName, password, name string) (account.RegisterInput, error) {
	if strings.TrimSpace(email) == "" {
		return account.RegisterInput{}, fmt.Errorf("--email is required")
	}
	role, err := auth.ParseRole(roleName)
	if err != nil {
		return account.RegisterInput{}, err
	}
	if len(password) < 10 {
		return account.RegisterInput{}, fmt.Errorf("password must be at least 10 characters")
	}
	return account.RegisterInput{Email: email, Password: password, DisplayName: name, Role: role}, nil
}

func withPool(ctx context.Context, fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	return withPool(ctx, func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		store, _, cleanup, err := sessionStore(ctx, cfg, pool)
		if err != nil {
			return err
		}
		defer cleanup()
		logger := newLogger(cfg.Env)
		pub, _ := publisher(cfg, logger)
		defer pub.Close()
		a, err := wire(cfg, pool, store, pub, nil, logger)
		if err != nil {
			return err
		}
		return fn(ctx, a)
	})
}
