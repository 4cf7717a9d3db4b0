package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/KevoDB/pparts/pkg/audit"
	"github.com/KevoDB/pparts/pkg/catalog"
	"github.com/KevoDB/pparts/pkg/repair"
	"github.com/KevoDB/pparts/pkg/store"
)

// NewIngestCommand creates the ingest command
func NewIngestCommand(opts *RootOptions) *cobra.Command {
	var (
		target   int
		keepRuns bool
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Compact pending run files into blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, cmd, func(s *store.Store, out *OutputFormatter) error {
				t := target
				if t == 0 {
					t = s.Config().TargetPrimesPerBlock
				}
				res, err := s.IngestWith(t, s.Config().DeleteRuns && !keepRuns)
				if err != nil {
					return WrapExitError(ExitFailure, "ingest failed", err)
				}
				return out.Success(res, func(w io.Writer) {
					fmt.Fprintln(w, res)
					for _, path := range res.BlocksWritten {
						fmt.Fprintf(w, "  wrote %s\n", filepath.Base(path))
					}
					for _, path := range res.MalformedRuns {
						fmt.Fprintf(w, "  skipped malformed run %s\n", path)
					}
				})
			})
		},
	}

	cmd.Flags().IntVarP(&target, "target", "t", 0, "unique primes per block (default from config)")
	cmd.Flags().BoolVar(&keepRuns, "keep-runs", false, "keep run files after ingesting them")
	return cmd
}

type blockView struct {
	Name         string `json:"name"`
	Sequence     int    `json:"sequence,omitempty"`
	MinPrime     uint64 `json:"min_prime"`
	MaxPrime     uint64 `json:"max_prime"`
	Rows         int    `json:"rows"`
	UniquePrimes int    `json:"unique_primes"`
	Size         int64  `json:"size"`
	StaleName    bool   `json:"stale_name,omitempty"`
}

type catalogView struct {
	Summary   *catalog.Summary `json:"summary"`
	Blocks    []blockView      `json:"blocks"`
	Malformed []string         `json:"malformed,omitempty"`
}

func newCatalogView(cat *catalog.Catalog, summary *catalog.Summary) catalogView {
	view := catalogView{Summary: summary}
	for _, b := range cat.Blocks() {
		view.Blocks = append(view.Blocks, blockView{
			Name:         b.Name(),
			Sequence:     b.Sequence,
			MinPrime:     b.MinPrime,
			MaxPrime:     b.MaxPrime,
			Rows:         b.Rows,
			UniquePrimes: b.UniquePrimes,
			Size:         b.Size,
			StaleName:    b.NameIsStale(),
		})
	}
	for _, m := range cat.Malformed() {
		view.Malformed = append(view.Malformed, m.Error())
	}
	return view
}

// NewCatalogCommand creates the catalog command
func NewCatalogCommand(opts *RootOptions) *cobra.Command {
	var partitions bool

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List blocks in content order with totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, cmd, func(s *store.Store, out *OutputFormatter) error {
				cat, summary, err := s.Catalog(partitions)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read catalog", err)
				}
				view := newCatalogView(cat, summary)
				return out.Success(view, func(w io.Writer) {
					writeCatalog(w, view)
				})
			})
		},
	}

	cmd.Flags().BoolVarP(&partitions, "partitions", "p", false, "read every block for the partition-count distribution")
	return cmd
}

func writeCatalog(w io.Writer, view catalogView) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BLOCK\tMIN\tMAX\tROWS\tPRIMES\t")
	for _, b := range view.Blocks {
		name := b.Name
		if b.StaleName {
			name += " (stale name)"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t\n", name, b.MinPrime, b.MaxPrime, b.Rows, b.UniquePrimes)
	}
	tw.Flush()

	s := view.Summary
	fmt.Fprintf(w, "\n%d blocks, %d rows, %d unique primes", s.Blocks, s.Rows, s.UniquePrimes)
	if s.Blocks > 0 {
		fmt.Fprintf(w, " in [%d, %d]", s.MinPrime, s.MaxPrime)
	}
	fmt.Fprintln(w)
	for _, m := range view.Malformed {
		fmt.Fprintf(w, "malformed: %s\n", m)
	}

	if len(s.Frequency) > 0 {
		fmt.Fprintln(w, "\nPartitions  Primes  Percent")
		for _, k := range s.FrequencyKeys() {
			n := s.Frequency[k]
			fmt.Fprintf(w, "%-10d  %-6d  %6.2f%%\n", k, n, 100*float64(n)/float64(s.UniquePrimes))
		}
	}
}

// NewRunsCommand creates the runs command
func NewRunsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "Summarize run files waiting for ingestion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, cmd, func(s *store.Store, out *OutputFormatter) error {
				sum, err := s.PendingRuns()
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to scan runs", err)
				}
				return out.Success(sum, func(w io.Writer) {
					if sum.Runs == 0 {
						fmt.Fprintln(w, "no pending runs")
					} else {
						fmt.Fprintf(w, "%d runs, %d rows, %d unique primes in [%d, %d]\n",
							sum.Runs, sum.Rows, sum.UniquePrimes, sum.MinP, sum.MaxP)
					}
					for _, path := range sum.Malformed {
						fmt.Fprintf(w, "malformed: %s\n", path)
					}
				})
			})
		},
	}
}

type integrityView struct {
	OK         bool                     `json:"ok"`
	Fatal      bool                     `json:"fatal"`
	Blocks     int                      `json:"blocks"`
	Rows       int                      `json:"rows"`
	Malformed  []string                 `json:"malformed,omitempty"`
	Duplicates []audit.DuplicateFinding `json:"duplicates,omitempty"`
	Invalid    []string                 `json:"invalid,omitempty"`
	Collisions []string                 `json:"collisions,omitempty"`
	Overlaps   []string                 `json:"overlaps,omitempty"`
}

func newIntegrityView(r *audit.IntegrityReport) integrityView {
	view := integrityView{
		OK:         r.OK(),
		Fatal:      r.Fatal(),
		Blocks:     r.Blocks,
		Rows:       r.Rows,
		Duplicates: r.Duplicates,
	}
	for _, m := range r.Malformed {
		view.Malformed = append(view.Malformed, m.Error())
	}
	for _, f := range r.Invalid {
		view.Invalid = append(view.Invalid, fmt.Sprintf("%s: %d rows, first %s", filepath.Base(f.Block), f.Count, f.First))
	}
	for _, f := range r.Collisions {
		for _, c := range f.Collisions {
			view.Collisions = append(view.Collisions, fmt.Sprintf("%s: %s", filepath.Base(f.Block), c))
		}
	}
	for _, f := range r.Overlaps {
		view.Overlaps = append(view.Overlaps, f.String())
	}
	return view
}

// NewIntegrityCommand creates the integrity command
func NewIntegrityCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "integrity",
		Short: "Check blocks for duplicates, collisions, invalid rows and overlaps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, cmd, func(s *store.Store, out *OutputFormatter) error {
				bar := newProgressBar("integrity", opts.Quiet || opts.Format == "json")
				report, err := s.Integrity(func(stage string, done, total int) {
					bar.update(done, total)
				})
				bar.done()
				if err != nil {
					return WrapExitError(ExitCommandError, "integrity check failed", err)
				}

				view := newIntegrityView(report)
				text := func(w io.Writer) { writeIntegrity(w, view) }
				if !view.OK {
					return out.Failure("integrity findings", view, text)
				}
				return out.Success(view, text)
			})
		},
	}
}

func writeIntegrity(w io.Writer, v integrityView) {
	fmt.Fprintf(w, "%d blocks, %d rows\n", v.Blocks, v.Rows)
	for _, m := range v.Malformed {
		fmt.Fprintf(w, "malformed: %s\n", m)
	}
	for _, d := range v.Duplicates {
		fmt.Fprintf(w, "duplicates: %s holds %d extra rows\n", filepath.Base(d.Block), d.Extra())
	}
	for _, s := range v.Invalid {
		fmt.Fprintf(w, "invalid: %s\n", s)
	}
	for _, s := range v.Collisions {
		fmt.Fprintf(w, "collision: %s\n", s)
	}
	for _, s := range v.Overlaps {
		fmt.Fprintf(w, "overlap: %s\n", s)
	}
	if v.OK {
		fmt.Fprintln(w, "OK")
	}
}

type prefixView struct {
	OK           bool              `json:"ok"`
	Blocks       int               `json:"blocks"`
	UniquePrimes uint64            `json:"unique_primes"`
	MaxPrime     uint64            `json:"max_prime"`
	Findings     []string          `json:"findings,omitempty"`
	Divergence   *audit.Divergence `json:"divergence,omitempty"`
}

// NewPrefixCommand creates the prefix command
func NewPrefixCommand(opts *RootOptions) *cobra.Command {
	var divergence bool

	cmd := &cobra.Command{
		Use:   "prefix",
		Short: "Check that the blocks hold exactly the first K primes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, cmd, func(s *store.Store, out *OutputFormatter) error {
				report, err := s.Prefix()
				if err != nil {
					return WrapExitError(ExitCommandError, "prefix check failed", err)
				}
				view := prefixView{
					OK:           report.OK(),
					Blocks:       report.Blocks,
					UniquePrimes: report.UniquePrimes,
					MaxPrime:     report.MaxPrime,
				}
				for _, f := range report.Findings {
					view.Findings = append(view.Findings, f.String())
				}
				if divergence {
					d, err := s.Divergence()
					if err != nil {
						return WrapExitError(ExitCommandError, "divergence search failed", err)
					}
					view.Divergence = d
				}

				text := func(w io.Writer) {
					fmt.Fprintf(w, "%d blocks, %d unique primes, max %d\n", view.Blocks, view.UniquePrimes, view.MaxPrime)
					for _, f := range view.Findings {
						fmt.Fprintln(w, f)
					}
					if view.Divergence != nil {
						fmt.Fprintln(w, view.Divergence)
					}
					if view.OK {
						fmt.Fprintln(w, "OK")
					}
				}
				if !view.OK || (view.Divergence != nil && view.Divergence.Found) {
					return out.Failure("store is not a prime prefix", view, text)
				}
				return out.Success(view, text)
			})
		},
	}

	cmd.Flags().BoolVar(&divergence, "divergence", false, "also locate the first divergence by binary search")
	return cmd
}

// NewTruncateCommand creates the truncate command
func NewTruncateCommand(opts *RootOptions) *cobra.Command {
	var (
		fromPrime uint64
		fromSeq   int
		confirm   bool
	)

	cmd := &cobra.Command{
		Use:   "truncate",
		Short: "Delete whole blocks from a boundary onward (dry run unless --confirm)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var boundary repair.Boundary
			if cmd.Flags().Changed("from-prime") {
				boundary = repair.FromPrime(fromPrime)
			} else {
				boundary = repair.FromSequence(fromSeq)
			}

			return withStore(opts, cmd, func(s *store.Store, out *OutputFormatter) error {
				plan, err := s.Truncate(boundary, repair.Options{Confirm: confirm})
				if err != nil {
					return WrapExitError(ExitFailure, "truncate failed", err)
				}
				return out.Success(plan, func(w io.Writer) { writePlan(w, plan) })
			})
		},
	}

	cmd.Flags().Uint64Var(&fromPrime, "from-prime", 0, "delete blocks whose largest prime is at least this")
	cmd.Flags().IntVar(&fromSeq, "from-seq", 0, "delete the block with this sequence number and every later block")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "apply the plan")
	cmd.MarkFlagsMutuallyExclusive("from-prime", "from-seq")
	cmd.MarkFlagsOneRequired("from-prime", "from-seq")
	return cmd
}

// NewRebuildCommand creates the rebuild command
func NewRebuildCommand(opts *RootOptions) *cobra.Command {
	var (
		target  int
		confirm bool
	)

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Rewrite every block from blocks and pending runs (dry run unless --confirm)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, cmd, func(s *store.Store, out *OutputFormatter) error {
				plan, err := s.Rebuild(repair.Options{Confirm: confirm, Target: target})
				if err != nil {
					return WrapExitError(ExitFailure, "rebuild failed", err)
				}
				return out.Success(plan, func(w io.Writer) { writePlan(w, plan) })
			})
		},
	}

	cmd.Flags().IntVarP(&target, "target", "t", 0, "unique primes per block (default from config)")
	cmd.Flags().BoolVar(&confirm, "confirm", false, "apply the plan")
	return cmd
}

func writePlan(w io.Writer, plan *repair.Plan) {
	fmt.Fprintln(w, plan)
	for _, path := range plan.DeletePaths() {
		fmt.Fprintf(w, "  delete %s\n", path)
	}
	if !plan.Executed {
		fmt.Fprintln(w, "dry run, pass --confirm to apply")
		return
	}
	if plan.BackupDir != "" {
		fmt.Fprintf(w, "backup in %s\n", plan.BackupDir)
	}
	for _, path := range plan.Written {
		fmt.Fprintf(w, "  wrote %s\n", filepath.Base(path))
	}
}

// NewResumeCommand creates the resume command
func NewResumeCommand(opts *RootOptions) *cobra.Command {
	var (
		noGuard bool
		next    int
	)

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Show where the next work session starts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, cmd, func(s *store.Store, out *OutputFormatter) error {
				pos, err := s.Resume(!noGuard)
				if err != nil {
					return WrapExitError(ExitFailure, "cannot resume", err)
				}
				data := map[string]interface{}{
					"prime":      pos.Prime,
					"index":      pos.Index,
					"max_stored": pos.MaxStored,
					"empty":      pos.Empty,
				}
				var batch []uint64
				if next > 0 {
					if batch, err = s.NextBatch(next); err != nil {
						return WrapExitError(ExitCommandError, "failed to plan batch", err)
					}
					data["next"] = batch
				}
				return out.Success(data, func(w io.Writer) {
					fmt.Fprintln(w, pos)
					if len(batch) > 0 {
						fmt.Fprintf(w, "next %d primes: %v\n", len(batch), batch)
					}
				})
			})
		},
	}

	cmd.Flags().BoolVar(&noGuard, "no-guard", false, "skip the prefix audit")
	cmd.Flags().IntVar(&next, "next", 0, "also list the next N primes")
	return cmd
}

// NewComputeCommand creates the compute command
func NewComputeCommand(opts *RootOptions) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "compute",
		Short: "Decompose the next N primes and ingest the results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 {
				return NewExitError(ExitCommandError, "--number must be positive")
			}
			return withStore(opts, cmd, func(s *store.Store, out *OutputFormatter) error {
				ctx, stop := signal.NotifyContext(contextOf(cmd), os.Interrupt, syscall.SIGTERM)
				defer stop()

				bar := newProgressBar("primes", opts.Quiet || opts.Format == "json")
				res, err := s.Compute(ctx, count, bar.update)
				bar.done()
				if err != nil {
					return WrapExitError(ExitFailure, "work session failed", err)
				}
				return out.Success(res, func(w io.Writer) {
					fmt.Fprintln(w, res)
					if res.Compaction != nil {
						fmt.Fprintln(w, res.Compaction)
					}
				})
			})
		},
	}

	cmd.Flags().IntVarP(&count, "number", "n", 0, "number of primes to process")
	return cmd
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
