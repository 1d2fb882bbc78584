// Package main provides the trackctl CLI entry point.
// trackctl inspects and moderates tracked league records and runs the job worker.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/trackable/cmd"
	"github.com/otherjamesbrown/trackable/config"
	"github.com/otherjamesbrown/trackable/credentials"
	"github.com/otherjamesbrown/trackable/pkg/buildinfo"
	"github.com/otherjamesbrown/trackable/pkg/logging"
	"github.com/otherjamesbrown/trackable/pkg/tracking"
)

// Global flags and state.
var (
	cfgFile        string
	outputFormat   string
	debug          bool
	actorID        string
	actorPerms     []string
	superuser      bool
	promptPassword bool

	// cfg holds the loaded configuration.
	cfg *config.Config

	deps = cmd.DefaultDeps()
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "trackctl",
	Short: "trackctl - versioned, moderated league records",
	Long: `trackctl works with tracked records: seasons, teams and games whose every
change is kept as a version, whose visibility is moderated, and which can be
merged and unmerged.

ACTING USER:
  Commands act as the user named by --as with the permissions given by --perm
  (repeatable), for example --perm tracking.approve --perm tracking.change.
  Without --as commands act anonymously.

COMMON WORKFLOWS:
  Set up:        trackctl db login  ->  trackctl db migrate  ->  trackctl health
  Contribute:    trackctl submit team --set name=Hawks --set season_id=1
  Moderate:      trackctl list team --status pending  ->  trackctl approve team-12
  Deduplicate:   trackctl merge team-12 team-15  ->  trackctl unmerge team-12
  Run jobs:      trackctl worker   (dispatch.mode: redis)

DISCOVERY:
  trackctl <command> --help   Subcommands, flags, and examples for any command`,
	SilenceUsage: true,
	PersistentPreRunE: func(c *cobra.Command, args []string) error {
		// Skip initialization for commands that don't need it.
		if c.Name() == "version" || c.Name() == "help" || c.Name() == "completion" {
			return nil
		}

		var err error
		cfg, err = config.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}

		// Override with command-line flags.
		if outputFormat != "" {
			cfg.OutputFormat = config.OutputFormat(outputFormat)
			if !cfg.OutputFormat.IsValid() {
				return fmt.Errorf("invalid --output %q (must be text, json, or yaml)", outputFormat)
			}
		}
		if debug {
			cfg.Logging.Level = string(logging.LevelDebug)
		}
		if promptPassword {
			pw, err := cmd.PromptPassword("Database password: ", os.Stdin)
			if err != nil {
				return err
			}
			cfg.Database.Password = pw
		} else if cfg.Database.Password == "" && credentials.FileExists() {
			store, err := deps.Credentials()
			if err != nil {
				return fmt.Errorf("opening credentials: %w", err)
			}
			if _, err := store.ApplyTo(&cfg.Database); err != nil {
				return fmt.Errorf("reading stored database password: %w", err)
			}
		}
		return nil
	},
}

// Version command flags.
var versionOutputJSON bool

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long: `Print the version, commit hash, and build time of trackctl.

Examples:
  trackctl version
  trackctl version --json`,
	RunE: func(c *cobra.Command, args []string) error {
		info := buildinfo.Get("trackctl")
		if versionOutputJSON {
			return cmd.Print(c.OutOrStdout(), config.OutputFormatJSON, info)
		}
		fmt.Fprintf(c.OutOrStdout(), "trackctl %s\n", buildinfo.String())
		fmt.Fprintf(c.OutOrStdout(), "  Go version: %s\n", info.GoVersion)
		return nil
	},
}

func init() {
	deps.LoadConfig = func() (*config.Config, error) {
		if cfg == nil {
			return nil, fmt.Errorf("configuration not loaded")
		}
		return cfg, nil
	}
	deps.Actor = func() tracking.Actor {
		return cmd.ActorFromFlags(actorID, actorPerms, superuser)
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default $HOME/.trackable/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "", "Output format: text, json, yaml")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&actorID, "as", os.Getenv("TRACKABLE_ACTOR"), "Act as this user id")
	rootCmd.PersistentFlags().StringSliceVar(&actorPerms, "perm", nil, "Permission held by the acting user (repeatable)")
	rootCmd.PersistentFlags().BoolVar(&superuser, "superuser", false, "Act with every permission")
	rootCmd.PersistentFlags().BoolVar(&promptPassword, "ask-db-password", false, "Prompt for the database password")

	versionCmd.Flags().BoolVar(&versionOutputJSON, "json", false, "Output as JSON")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(cmd.NewDbCommand(deps))
	rootCmd.AddCommand(cmd.NewHealthCommand(deps))
	rootCmd.AddCommand(cmd.NewShowCommand(deps))
	rootCmd.AddCommand(cmd.NewHistoryCommand(deps))
	rootCmd.AddCommand(cmd.NewListCommand(deps))
	rootCmd.AddCommand(cmd.NewSubmitCommand(deps))
	rootCmd.AddCommand(cmd.NewEditCommand(deps))
	rootCmd.AddCommand(cmd.NewApproveCommand(deps))
	rootCmd.AddCommand(cmd.NewRejectCommand(deps))
	rootCmd.AddCommand(cmd.NewRemoveCommand(deps))
	rootCmd.AddCommand(cmd.NewMergeCommand(deps))
	rootCmd.AddCommand(cmd.NewUnmergeCommand(deps))
	rootCmd.AddCommand(cmd.NewWatchCommand(deps))
	rootCmd.AddCommand(cmd.NewQueueCommand(deps))
	rootCmd.AddCommand(cmd.NewWorkerCommand(deps))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
