package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/c360/nodeflows/builtin"
	"github.com/c360/nodeflows/config"
	"github.com/c360/nodeflows/errors"
	"github.com/c360/nodeflows/flowstore"
	"github.com/c360/nodeflows/typeregistry"
)

type globalFlags struct {
	configPaths []string
	logLevel    string
	logFormat   string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   appName,
		Short: "Flow runtime host",
		Long: `nodeflows loads a flow configuration, instantiates a running node for
every definition whose type is registered, and keeps the running set in step
with the stored configuration.`,
		Version:       fmt.Sprintf("%s (built: %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringSliceVarP(&flags.configPaths, "config", "c", nil,
		"config file (json, yaml or toml); repeat to layer")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "override log format (json, text)")

	root.AddCommand(newRunCommand(flags))
	root.AddCommand(newValidateCommand(flags))
	root.AddCommand(newTypesCommand())
	root.AddCommand(newVersionCommand())
	return root
}

// loadConfig reads every layer and applies command line overrides
func loadConfig(flags *globalFlags) (*config.Config, error) {
	loader := config.NewLoader()
	for _, path := range flags.configPaths {
		loader.AddLayer(path)
	}
	loader.EnableValidation(false)

	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Log.Format = flags.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newRunCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the flow host until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			logger := setupLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)

			logger.Info("Starting nodeflows",
				"build_time", BuildTime,
				"storage", cfg.Storage.Type,
				"credentials", cfg.Credentials.Backend)

			return runHost(cmd.Context(), cfg, logger)
		},
	}
}

func newValidateCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [flows-file]",
		Short: "Validate the configuration and, optionally, a flows file",
		Long: `Validate loads the host configuration. Given a flows file it also checks
the document structure and reports definitions whose type is not built in.`,
		Example: `  nodeflows validate -c nodeflows.yaml
  nodeflows validate flows.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(flags); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				_, _ = fmt.Fprintln(out, "configuration is valid")
				return nil
			}

			unknown, count, err := validateFlowsFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(unknown) > 0 {
				return errors.WrapInvalid(
					fmt.Errorf("%w: %s", errors.ErrUnknownType, strings.Join(unknown, ", ")),
					"validate", "RunE", "check node types")
			}
			_, _ = fmt.Fprintf(out, "%s is valid: %d definitions\n", args[0], count)
			return nil
		},
	}
}

// validateFlowsFile returns the distinct unknown types in path and the definition count
func validateFlowsFile(ctx context.Context, path string) ([]string, int, error) {
	store, err := flowstore.NewFileStore(path, flowstore.WithBackup(false))
	if err != nil {
		return nil, 0, err
	}
	defs, err := store.GetFlows(ctx)
	if err != nil {
		return nil, 0, err
	}
	if err := defs.Validate(); err != nil {
		return nil, 0, err
	}

	reg := typeregistry.New()
	if err := builtin.RegisterAll(ctx, reg); err != nil {
		return nil, 0, err
	}

	var unknown []string
	seen := map[string]bool{}
	for _, d := range defs {
		if d.IsGrouping() || reg.Has(d.Type) || seen[d.Type] {
			continue
		}
		seen[d.Type] = true
		unknown = append(unknown, d.Type)
	}
	return unknown, len(defs), nil
}

func newTypesCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "types",
		Short: "List the built-in node types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := typeregistry.New()
			if err := builtin.RegisterAll(cmd.Context(), reg); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(reg.Info())
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "TYPE\tCATEGORY\tCREDENTIALS\tDESCRIPTION")
			for _, info := range reg.Info() {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					info.Type, info.Category, strings.Join(info.Credentials, ","), info.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output JSON")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (built: %s)\n", appName, Version, BuildTime)
		},
	}
}
