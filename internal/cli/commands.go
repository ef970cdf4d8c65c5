package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/sheetvc/internal/core"
)

// hashReport describes one file's canonical content.
type hashReport struct {
	File    string   `json:"file" yaml:"file"`
	Hash    string   `json:"hash" yaml:"hash"`
	Rows    int      `json:"rows" yaml:"rows"`
	Columns int      `json:"columns" yaml:"columns"`
	Headers []string `json:"headers" yaml:"headers"`
}

func newHashCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hash <file>...",
		Short: "Print the content hash of sheets",
		Long: `Print the SHA-256 content hash of each sheet. Sheets that differ only in
byte order marks, line endings or Unicode normalization hash the same.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := newWorkspace()
			if err != nil {
				return err
			}

			reports := make([]hashReport, 0, len(args))
			for _, path := range args {
				v, err := ws.load(cmd.Context(), path, "")
				if err != nil {
					return err
				}
				reports = append(reports, hashReport{
					File:    path,
					Hash:    v.ContentHash,
					Rows:    v.RowCount,
					Columns: v.ColumnCount,
					Headers: v.ColumnHeaders,
				})
			}

			return render(cmd.OutOrStdout(), opts.output, reports, func(w io.Writer) error {
				tw := newTable(w)
				for _, r := range reports {
					fmt.Fprintf(tw, "%s\t%s\t%dx%d\n", r.Hash, r.File, r.Rows, r.Columns)
				}
				return tw.Flush()
			})
		},
	}
}

func newDiffCommand(opts *rootOptions) *cobra.Command {
	var diffOpts core.DiffOptions

	cmd := &cobra.Command{
		Use:   "diff <from> <to>",
		Short: "Show row, column and cell changes between two sheets",
		Long: `Compare two sheets. Rows are matched by the key column when one is given
or detected, otherwise by content.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := newWorkspace()
			if err != nil {
				return err
			}
			from, err := ws.load(cmd.Context(), args[0], "")
			if err != nil {
				return err
			}
			to, err := ws.load(cmd.Context(), args[1], from.ID)
			if err != nil {
				return err
			}

			d, err := ws.svc.Diff(cmd.Context(), from.ID, to.ID, diffOpts)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, d, func(w io.Writer) error {
				return writeDiffText(w, d)
			})
		},
	}

	cmd.Flags().BoolVar(&diffOpts.IgnoreCase, "ignore-case", false, "Compare cell text case-insensitively")
	cmd.Flags().BoolVar(&diffOpts.IgnoreWhitespace, "ignore-whitespace", false, "Ignore leading and trailing whitespace in cells")
	cmd.Flags().BoolVar(&diffOpts.DetailedChanges, "detailed", false, "Include full row values in added and removed rows")
	cmd.Flags().StringVar(&diffOpts.IDColumn, "id-column", "", "Match rows by this key column")
	return cmd
}

func newConflictsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts <base> <a> <b>",
		Short: "List conflicts between two sheets derived from a common base",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := newWorkspace()
			if err != nil {
				return err
			}
			base, a, b, err := ws.loadBranches(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}

			res, err := ws.svc.DetectConflicts(cmd.Context(), base.ID, a.ID, b.ID)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), opts.output, res.Conflicts, func(w io.Writer) error {
				return writeConflictsText(w, res.Conflicts)
			})
		},
	}
}

// mergeReport is the result of the merge command.
type mergeReport struct {
	Status       core.OutcomeStatus `json:"status" yaml:"status"`
	Hash         string             `json:"hash,omitempty" yaml:"hash,omitempty"`
	Rows         int                `json:"rows" yaml:"rows"`
	Columns      int                `json:"columns" yaml:"columns"`
	AutoResolved int                `json:"auto_resolved" yaml:"auto_resolved"`
	Unresolved   []*core.Conflict   `json:"unresolved,omitempty" yaml:"unresolved,omitempty"`
}

func newMergeCommand(opts *rootOptions) *cobra.Command {
	var (
		strategy string
		out      string
	)

	cmd := &cobra.Command{
		Use:   "merge <base> <a> <b>",
		Short: "Three-way merge two sheets derived from a common base",
		Long: `Merge a and b against base. Non-conflicting changes from both sides are
combined. Conflicts are settled by the strategy:

  manual_review  leave every conflict unresolved (default)
  latest_wins    take the value from b
  auto_merge     settle only conflicts that are safe to combine

The merged sheet is written as CSV to --out ("-" for stdout). The command
fails when conflicts remain unresolved.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := core.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			ws, err := newWorkspace()
			if err != nil {
				return err
			}
			_, a, b, err := ws.loadBranches(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}

			outcome, err := ws.svc.Merge(cmd.Context(), a.ID, b.ID, st)
			if err != nil {
				return err
			}

			report := mergeReport{
				Status:       outcome.Status,
				AutoResolved: outcome.AutoResolved,
				Unresolved:   outcome.Unresolved,
			}
			if outcome.Status != core.OutcomeMerged {
				if err := render(cmd.OutOrStdout(), opts.output, report, func(w io.Writer) error {
					return writeConflictsText(w, report.Unresolved)
				}); err != nil {
					return err
				}
				return fmt.Errorf("%d conflicts need manual resolution", len(report.Unresolved))
			}

			merged := outcome.MergedVersion
			report.Hash = merged.ContentHash
			report.Rows = merged.RowCount
			report.Columns = merged.ColumnCount

			if out != "" {
				snap, err := ws.svc.VersionData(cmd.Context(), merged.ID)
				if err != nil {
					return err
				}
				if out == "-" {
					return core.WriteCSV(cmd.OutOrStdout(), snap.Grid)
				}
				if err := writeCSVFile(out, snap.Grid); err != nil {
					return err
				}
			}

			return render(cmd.OutOrStdout(), opts.output, report, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "merged %s (%dx%d, %d conflicts auto-resolved)\n",
					report.Hash, report.Rows, report.Columns, report.AutoResolved)
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&strategy, "strategy", "s", string(core.StrategyManualReview), "Conflict strategy (manual_review, latest_wins, auto_merge)")
	cmd.Flags().StringVar(&out, "out", "", `Write the merged sheet as CSV to this file ("-" for stdout)`)
	return cmd
}

func writeCSVFile(path string, g *core.Grid) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return core.WriteCSV(f, g)
}
