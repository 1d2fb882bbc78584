package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/trackable/credentials"
	"github.com/otherjamesbrown/trackable/pkg/db"
	"github.com/otherjamesbrown/trackable/pkg/tracking/pgstore"
)

// Database command flags.
var (
	dbTarget string
	dbDryRun bool
	dbYes    bool
)

// NewDbCommand creates the root db command with all subcommands.
func NewDbCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the tracking database schema",
		Long: `Manage the tracking database schema.

The schema ships inside trackctl: migrations are embedded in the binary and
applied in file name order, each in its own transaction.

Subcommands:
  migrate   Apply pending migrations
  status    Show applied, pending and drifted migrations
  login     Store the database password, encrypted
  logout    Forget the stored database password

Connection settings come from the database section of the configuration file
or the TRACKABLE_DB_* environment variables. When neither sets a password, the
one stored by "trackctl db login" is used.`,
	}

	cmd.AddCommand(newDbMigrateCommand(deps))
	cmd.AddCommand(newDbStatusCommand(deps))
	cmd.AddCommand(newDbLoginCommand(deps))
	cmd.AddCommand(newDbLogoutCommand(deps))

	return cmd
}

func newDbMigrateCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Long: `Apply pending database migrations.

Pending migrations are listed first and applied after confirmation. A failed
migration stops the run; migrations applied before it stay applied.

Flags:
  --target    Stop after this migration version
  --dry-run   List pending migrations without applying them
  --yes       Apply without asking for confirmation

Examples:
  trackctl db migrate
  trackctl db migrate --dry-run
  trackctl db migrate --target 001_tracked_objects --yes`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDbMigrate(cmd.Context(), deps, cmd.InOrStdin())
		},
	}

	cmd.Flags().StringVar(&dbTarget, "target", "", "Migrate up to this version")
	cmd.Flags().BoolVar(&dbDryRun, "dry-run", false, "Show pending migrations without applying")
	cmd.Flags().BoolVarP(&dbYes, "yes", "y", false, "Do not ask for confirmation")

	return cmd
}

func newDbStatusCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show database migration status",
		Long: `Show the migration status of the tracking database.

Applied migrations are listed with the time they ran, pending ones are waiting
to be applied, and drift lists versions recorded in the database that no
longer ship with trackctl.

Examples:
  trackctl db status
  trackctl db status --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDbStatus(cmd.Context(), deps)
		},
	}
}

func runDbMigrate(ctx context.Context, deps *Deps, in io.Reader) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	pool, err := deps.ConnectDB(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close(pool)

	status, err := db.GetMigrationStatus(ctx, pool, pgstore.Migrations())
	if err != nil {
		return fmt.Errorf("getting migration status: %w", err)
	}

	p := newPrinter(deps.out(), cfg.OutputFormat)
	if len(status.Pending) == 0 {
		p.printf("No pending migrations.\n")
		return nil
	}

	p.printf("Pending migrations (%d):\n", len(status.Pending))
	for _, m := range status.Pending {
		p.printf("  %s\n", m.Version)
	}
	p.printf("\n")

	if dbDryRun {
		p.printf("Dry run mode: no migrations applied.\n")
		return nil
	}

	if !dbYes {
		p.printf("Apply these migrations? (y/N): ")
		response, _ := bufio.NewReader(in).ReadString('\n')
		if strings.ToLower(strings.TrimSpace(response)) != "y" {
			p.printf("Migration cancelled.\n")
			return nil
		}
	}

	result, err := db.RunMigrationsToTarget(ctx, pool, pgstore.Migrations(), dbTarget)
	if err != nil {
		p.printf("\n%s %v\n", p.paint(ansiRed, "Migration failed:"), err)
		if result != nil && len(result.Applied) > 0 {
			p.printf("\nSuccessfully applied before failure:\n")
			for _, v := range result.Applied {
				p.printf("  %s %s\n", p.paint(ansiGreen, "✓"), v)
			}
		}
		return err
	}

	if len(result.Applied) > 0 {
		p.printf("%s\n", p.paint(ansiGreen, fmt.Sprintf("Successfully applied %d migration(s):", len(result.Applied))))
		for _, v := range result.Applied {
			p.printf("  %s %s\n", p.paint(ansiGreen, "✓"), v)
		}
	}
	if len(result.Skipped) > 0 {
		p.printf("\nSkipped %d migration(s) (already applied):\n", len(result.Skipped))
		for _, v := range result.Skipped {
			p.printf("  - %s\n", v)
		}
	}
	return nil
}

func runDbStatus(ctx context.Context, deps *Deps) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	pool, err := deps.ConnectDB(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close(pool)

	status, err := db.GetMigrationStatus(ctx, pool, pgstore.Migrations())
	if err != nil {
		return fmt.Errorf("getting migration status: %w", err)
	}

	p := newPrinter(deps.out(), cfg.OutputFormat)
	return p.emit(status, func() error {
		return printMigrationStatus(p, status)
	})
}

func printMigrationStatus(p *printer, status *db.MigrationStatus) error {
	section := func(title, color string, entries []db.MigrationStatusEntry, withTime bool) {
		if len(entries) == 0 {
			return
		}
		p.printf("%s\n", p.paint(color, fmt.Sprintf("%s (%d):", title, len(entries))))
		for _, m := range entries {
			applied := ""
			if withTime && m.AppliedAt != nil {
				applied = m.AppliedAt.Format(timeLayout)
			}
			p.printf("  %-32s %s\n", truncate(m.Version, 32), applied)
		}
		p.printf("\n")
	}
	section("Applied Migrations", ansiGreen, status.Applied, true)
	section("Pending Migrations", ansiYellow, status.Pending, false)
	section("Drift - applied but file missing", ansiRed, status.Drift, true)

	if len(status.Applied) == 0 && len(status.Pending) == 0 && len(status.Drift) == 0 {
		p.printf("No migrations found.\n")
		return nil
	}
	p.printf("Summary: %d applied, %d pending", len(status.Applied), len(status.Pending))
	if len(status.Drift) > 0 {
		p.printf(", %s", p.paint(ansiRed, fmt.Sprintf("%d drift", len(status.Drift))))
	}
	p.printf("\n")
	return nil
}

func newDbLoginCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Store the database password",
		Long: `Store the password for the configured database account.

The password is read without echo, encrypted with a key kept in the system
keyring (or derived from TRACKABLE_PASSPHRASE) and saved to
~/.trackable/credentials.yaml under user@host:port/database.

Examples:
  trackctl db login
  TRACKABLE_DB_USER=reporting trackctl db login`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDbLogin(deps, cmd.InOrStdin())
		},
	}
}

func newDbLogoutCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored database password",
		Long: `Remove the stored password for the configured database account.

Examples:
  trackctl db logout`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDbLogout(deps)
		},
	}
}

func runDbLogin(deps *Deps, in io.Reader) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	store, err := deps.Credentials()
	if err != nil {
		return err
	}
	account := credentials.Account(&cfg.Database)
	password, err := PromptPassword(fmt.Sprintf("Password for %s: ", account), in)
	if err != nil {
		return err
	}
	if password == "" {
		return fmt.Errorf("empty password")
	}
	if err := store.Save(account, password); err != nil {
		return fmt.Errorf("saving password: %w", err)
	}
	return newPrinter(deps.out(), cfg.OutputFormat).message(
		fmt.Sprintf("Stored password %s for %s (key: %s)", credentials.Mask(password), account, store.Description()))
}

func runDbLogout(deps *Deps) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	store, err := deps.Credentials()
	if err != nil {
		return err
	}
	account := credentials.Account(&cfg.Database)
	if err := store.Delete(account); err != nil {
		return fmt.Errorf("removing password: %w", err)
	}
	return newPrinter(deps.out(), cfg.OutputFormat).message("Removed stored password for " + account)
}
