package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every command
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	Token      string
}

// StatusFlags holds flags for the status command
type StatusFlags struct {
	Name   string
	Output string
}

// AnnotationFlags holds flags for annotations add
type AnnotationFlags struct {
	X      float64
	Y      float64
	Text   string
	Output string
}

// ConvertFlags holds flags for the one-shot convert command
type ConvertFlags struct {
	DataDir string
}

// TokenFlags holds flags for the token command
type TokenFlags struct {
	Subject string
	TTL     time.Duration
	Scopes  []string
}

// buildRoot creates the root command with every subcommand attached
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStatusCommand(globalFlags, &StatusFlags{}),
		createAnnotationsCommand(globalFlags, &AnnotationFlags{}),
		createConvertCommand(globalFlags, &ConvertFlags{}),
		createTokenCommand(globalFlags, &TokenFlags{}),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "dztiler",
		Short: "Deep zoom tile pyramid ingestion daemon",
		Long: `dztiler watches a data directory for JPEG 2000 images, converts each new
file into a Deep Zoom tile pyramid with vips and serves the pyramids, their
processing status and point annotations over HTTP.

Examples:
  dztiler serve config.toml                       # Start daemon
  dztiler status                                  # Status of every dataset
  dztiler status --name=moon -o yaml              # One dataset as YAML
  dztiler annotations add moon --x=0.4 --y=0.2 --text="crater"
  dztiler convert /data/moon.jp2                  # One-shot local run`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "http://127.0.0.1:8080/api", "daemon API URL")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 30*time.Second, "request timeout")
	root.PersistentFlags().StringVar(&flags.Token, "token", os.Getenv("DZTILER_TOKEN"), "bearer token for write requests (env DZTILER_TOKEN)")
	return root
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the dztiler daemon",
		Long: `Start the discovery loop, the pipeline workers and the HTTP API.
Without a config file the defaults and DZTILER_* environment overrides apply.

Examples:
  dztiler serve                     # Defaults (data_dir=/data, listen=:8080)
  dztiler serve config.toml         # Start with specific config file`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runServe(cmd.Context(), path)
		},
	}
}

// createStatusCommand creates the status subcommand
func createStatusCommand(globalFlags *GlobalFlags, flags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show dataset status",
		Long: `Show the processing status of datasets known to the daemon.

Examples:
  dztiler status                    # Show all datasets
  dztiler status --name=moon        # Show one dataset with its log
  dztiler status -o json            # Machine-readable output`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, globalFlags, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "dataset name (optional)")
	cmd.Flags().StringVarP(&flags.Output, "output", "o", "table", "output format: table, json or yaml")
	return cmd
}

// createAnnotationsCommand creates the annotations command group
func createAnnotationsCommand(globalFlags *GlobalFlags, flags *AnnotationFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "annotations",
		Short: "List or add dataset annotations",
	}

	list := &cobra.Command{
		Use:   "list <dataset>",
		Short: "List the annotations of a dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnnotationsList(cmd, globalFlags, args[0], flags.Output)
		},
	}
	list.Flags().StringVarP(&flags.Output, "output", "o", "table", "output format: table, json or yaml")

	add := &cobra.Command{
		Use:   "add <dataset>",
		Short: "Add a point annotation",
		Long: `Add a point annotation to a dataset. Coordinates are normalized viewer
coordinates. A token is required when the daemon has a JWT secret.

Examples:
  dztiler annotations add moon --x=0.42 --y=0.17 --text="crater rim"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnnotationsAdd(cmd, globalFlags, args[0], *flags)
		},
	}
	add.Flags().Float64Var(&flags.X, "x", 0, "x coordinate")
	add.Flags().Float64Var(&flags.Y, "y", 0, "y coordinate")
	add.Flags().StringVar(&flags.Text, "text", "", "annotation text")
	_ = add.MarkFlagRequired("x")
	_ = add.MarkFlagRequired("y")
	_ = add.MarkFlagRequired("text")

	cmd.AddCommand(list, add)
	return cmd
}

// createConvertCommand creates the one-shot convert subcommand
func createConvertCommand(globalFlags *GlobalFlags, flags *ConvertFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert <file.jp2>",
		Short: "Run the pipeline once for a single file",
		Long: `Convert one source image into a tile pyramid without starting the daemon.
Outputs are written under the configured data directory.

Examples:
  dztiler convert /data/moon.jp2
  dztiler convert scan.jp2 --data-dir=./out`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConvert(cmd, globalFlags, *flags, args[0])
		},
	}
	cmd.Flags().StringVar(&flags.DataDir, "data-dir", "", "override data_dir from the config")
	return cmd
}

// createTokenCommand creates the token subcommand
func createTokenCommand(globalFlags *GlobalFlags, flags *TokenFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token",
		Long: `Mint a bearer token signed with server.jwt_secret from the config.

Examples:
  dztiler token --config=config.toml --subject=viewer --ttl=12h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, globalFlags, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Subject, "subject", "cli", "token subject")
	cmd.Flags().DurationVar(&flags.TTL, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().StringSliceVar(&flags.Scopes, "scope", nil, "token scopes")
	return cmd
}
