package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/KevoDB/pparts/pkg/common/log"
	"github.com/KevoDB/pparts/pkg/config"
	"github.com/KevoDB/pparts/pkg/store"
)

// RootOptions holds global flags for all commands
type RootOptions struct {
	ConfigPath string
	DataDir    string
	Verbose    bool
	Format     string // "json" | "text"
	Quiet      bool

	// store is set inside the interactive shell, which keeps one store open
	store *store.Store
}

// ValidFormats defines the allowed output formats
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the pparts CLI
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{DataDir: "data", Format: "text"})
}

// newRootCommand builds the command tree; the current values in opts become
// the flag defaults
func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pparts",
		Short: "pparts - prime partition store",
		Long: `Compute, store, audit and repair the decompositions p = 2^m + q^n of
the primes, kept as a gap-free prefix of the prime sequence in sorted blocks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", opts.ConfigPath, "config file (default <data-dir>/"+config.DefaultConfigFileName+")")
	cmd.PersistentFlags().StringVarP(&opts.DataDir, "data-dir", "d", opts.DataDir, "data directory")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", opts.Verbose, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", opts.Format, "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Quiet, "quiet", "q", opts.Quiet, "hide progress bars")

	cmd.AddCommand(NewIngestCommand(opts))
	cmd.AddCommand(NewCatalogCommand(opts))
	cmd.AddCommand(NewRunsCommand(opts))
	cmd.AddCommand(NewIntegrityCommand(opts))
	cmd.AddCommand(NewPrefixCommand(opts))
	cmd.AddCommand(NewTruncateCommand(opts))
	cmd.AddCommand(NewRebuildCommand(opts))
	cmd.AddCommand(NewResumeCommand(opts))
	cmd.AddCommand(NewComputeCommand(opts))
	if opts.store == nil {
		cmd.AddCommand(NewShellCommand(opts))
	}

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// loadConfig resolves the configuration once: an explicit --config file, or
// the file in the data directory, or defaults
func (o *RootOptions) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.ConfigPath != "" {
		cfg, err = config.Load(o.ConfigPath)
	} else {
		cfg, err = config.LoadOrDefault(o.DataDir)
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	return cfg, nil
}

func (o *RootOptions) newLogger(cfg *config.Config, w io.Writer) log.Logger {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.LevelInfo
	}
	if o.Verbose {
		level = log.LevelDebug
	} else if o.Format == "json" && level < log.LevelWarn {
		level = log.LevelWarn
	}
	return log.NewStandardLogger(log.WithLevel(level), log.WithOutput(w))
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:  o.Format,
		Writer:  cmd.OutOrStdout(),
		Verbose: o.Verbose,
	}
}

// withStore runs fn against the shell's store or a freshly opened one
func withStore(opts *RootOptions, cmd *cobra.Command, fn func(s *store.Store, out *OutputFormatter) error) error {
	out := opts.formatter(cmd)
	if opts.store != nil {
		return fn(opts.store, out)
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	s, err := store.Open(cfg, opts.newLogger(cfg, cmd.ErrOrStderr()))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer s.Close()

	return fn(s, out)
}
