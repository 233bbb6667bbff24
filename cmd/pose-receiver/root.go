package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/banshee-data/pose-receiver/internal/assets"
	"github.com/banshee-data/pose-receiver/internal/monitoring"
	"github.com/banshee-data/pose-receiver/internal/version"
)

// envBindings maps flag names to the environment variables that supply
// their value when the flag is not given on the command line.
var envBindings = map[string]string{
	"assets":       "POSE_ASSET_ROOT",
	"log-level":    "POSE_LOG_LEVEL",
	"log-file":     "POSE_LOG_FILE",
	"debug-listen": "POSE_DEBUG_LISTEN",
	"grpc-listen":  "POSE_GRPC_LISTEN",
	"journal-db":   "POSE_JOURNAL_DB",
	"tick-hz":      "POSE_TICK_HZ",
}

// globalOptions are shared by every subcommand.
type globalOptions struct {
	EnvFile   string
	AssetRoot string
	LogLevel  string
	LogFile   string
	NoColors  bool
}

func (o *globalOptions) layout() assets.Layout {
	return assets.NewLayout(o.AssetRoot)
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "pose-receiver",
		Short:         "Receive pose landmarks from the companion sender",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEnvFile(opts.EnvFile); err != nil {
				return err
			}
			if err := applyEnv(cmd.Flags(), os.LookupEnv); err != nil {
				return err
			}
			return monitoring.Configure(monitoring.Options{
				Level:    opts.LogLevel,
				File:     opts.LogFile,
				NoColors: opts.NoColors,
			})
		},
	}
	cmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.EnvFile, "env-file", ".env", "Optional dotenv file with POSE_* settings")
	pf.StringVar(&opts.AssetRoot, "assets", ".", "Asset root containing the PoseLandmarkSender directory")
	pf.StringVar(&opts.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&opts.LogFile, "log-file", "", "Also write rotated logs to this file")
	pf.BoolVar(&opts.NoColors, "no-colors", false, "Disable colored log output")

	cmd.AddCommand(
		newRunCmd(opts),
		newReplayCmd(opts),
		newSendCmd(opts),
		newCheckCmd(opts),
		newStatusCmd(),
		newVersionCmd(),
	)
	return cmd
}

// loadEnvFile loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// applyEnv fills flags that were not set on the command line from their
// bound environment variables.
func applyEnv(flags *pflag.FlagSet, lookup func(string) (string, bool)) error {
	for name, key := range envBindings {
		f := flags.Lookup(name)
		if f == nil || f.Changed {
			continue
		}
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		if err := flags.Set(name, v); err != nil {
			return fmt.Errorf("invalid %s=%q: %w", key, v, err)
		}
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
