package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/KevoDB/pparts/pkg/store"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".stats"),
	readline.PcItem(".exit"),
	readline.PcItem("ingest"),
	readline.PcItem("catalog", readline.PcItem("--partitions")),
	readline.PcItem("runs"),
	readline.PcItem("integrity"),
	readline.PcItem("prefix", readline.PcItem("--divergence")),
	readline.PcItem("resume", readline.PcItem("--next"), readline.PcItem("--no-guard")),
	readline.PcItem("truncate", readline.PcItem("--from-prime"), readline.PcItem("--from-seq")),
	readline.PcItem("rebuild", readline.PcItem("--target"), readline.PcItem("--confirm")),
	readline.PcItem("compute", readline.PcItem("-n")),
)

const shellHelp = `
Commands:
  .help                        - Show this help message
  .stats                       - Show statistics collected in this session
  .exit                        - Exit the shell

  ingest [--target N]          - Compact pending runs into blocks
  catalog [--partitions]       - List blocks in content order
  runs                         - Summarize pending run files
  integrity                    - Check duplicates, collisions and overlaps
  prefix [--divergence]        - Check the prime prefix property
  resume [--next N]            - Show the next starting prime
  truncate --from-prime P      - Plan deleting blocks from P onward
  truncate --from-seq S        - Plan deleting block S and everything after it
  rebuild [--target N]         - Plan rewriting the whole store
  compute -n N                 - Process the next N primes

truncate and rebuild only change the store with --confirm.
`

// NewShellCommand creates the interactive shell command
func NewShellCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Open the store and run commands interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			s, err := store.Open(cfg, opts.newLogger(cfg, cmd.ErrOrStderr()))
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open store", err)
			}
			defer s.Close()

			return runShell(s, opts, cmd.OutOrStdout())
		},
	}
}

func runShell(s *store.Store, opts *RootOptions, out io.Writer) error {
	dataDir := s.Config().DataDir
	fmt.Fprintf(out, "pparts shell on %s\n", dataDir)
	fmt.Fprintln(out, "Enter .help for usage hints.")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("pparts:%s> ", filepath.Base(dataDir)),
		HistoryFile:     filepath.Join(os.TempDir(), ".pparts_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()

	for {
		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					return nil
				}
				continue
			} else if readErr == io.EOF {
				fmt.Fprintln(out, "Goodbye!")
				return nil
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		if exit := execLine(s, opts, line, out, rl.Stderr()); exit {
			fmt.Fprintln(out, "Goodbye!")
			return nil
		}
	}
}

// execLine runs one shell line and reports whether the shell should exit
func execLine(s *store.Store, opts *RootOptions, line string, out, errOut io.Writer) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}

	if strings.HasPrefix(parts[0], ".") {
		switch strings.ToLower(parts[0]) {
		case ".help":
			fmt.Fprint(out, shellHelp)
		case ".stats":
			writeStats(out, s.Stats().GetStats())
		case ".exit", ".quit":
			return true
		default:
			fmt.Fprintf(out, "Unknown command %s, enter .help for usage\n", parts[0])
		}
		return false
	}

	lineOpts := &RootOptions{
		ConfigPath: opts.ConfigPath,
		DataDir:    opts.DataDir,
		Verbose:    opts.Verbose,
		Format:     opts.Format,
		Quiet:      opts.Quiet,
		store:      s,
	}
	cmd := newRootCommand(lineOpts)
	cmd.SetArgs(parts)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(errOut, "Error: %s\n", err)
	}
	return false
}

func writeStats(w io.Writer, stats map[string]interface{}) {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		switch v := stats[k].(type) {
		case map[string]uint64:
			if len(v) == 0 {
				continue
			}
			fmt.Fprintf(w, "%s:\n", k)
			for _, sub := range sortedKeys(v) {
				fmt.Fprintf(w, "  %s: %d\n", sub, v[sub])
			}
		case map[string]interface{}:
			fmt.Fprintf(w, "%s:\n", k)
			for _, sub := range sortedKeys(v) {
				fmt.Fprintf(w, "  %s: %v\n", sub, v[sub])
			}
		default:
			fmt.Fprintf(w, "%s: %v\n", k, v)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
