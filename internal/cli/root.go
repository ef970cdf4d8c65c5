// Package cli provides the sheetvc command line tool. It runs the version
// control engine in memory over local CSV and JSON files, for inspecting
// sheets without a server.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/sheetvc/internal/config"
	"github.com/JonMunkholm/sheetvc/internal/core"
	"github.com/JonMunkholm/sheetvc/internal/logging"
	"github.com/JonMunkholm/sheetvc/internal/store"
)

// cliSpreadsheet is the spreadsheet every loaded file is recorded under.
const cliSpreadsheet = "cli"

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	output  string
	verbose bool
}

// NewRootCommand builds the sheetvc command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "sheetvc",
		Short: "Spreadsheet version control",
		Long: `sheetvc hashes, diffs and merges spreadsheet snapshots.

Files are read as CSV unless they end in .json, in which case they must hold
a {"headers": [...], "rows": [[...]]} grid.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if _, err := parseOutputFormat(opts.output); err != nil {
				return err
			}
			level := "warn"
			if opts.verbose {
				level = "debug"
			}
			slog.SetDefault(logging.New(cmd.ErrOrStderr(), level, "text"))
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "Output format (text, json, yaml)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log engine activity to stderr")

	root.AddCommand(
		newHashCommand(opts),
		newDiffCommand(opts),
		newConflictsCommand(opts),
		newMergeCommand(opts),
	)
	return root
}

// Execute runs the root command against os.Args and reports any failure on
// stderr.
func Execute() error {
	root := NewRootCommand()
	err := root.Execute()
	if err != nil {
		reportError(root.ErrOrStderr(), err)
	}
	return err
}

// reportError prints err, followed by the code and suggested action when the
// failure is a known one.
func reportError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
	if core.IsUserFacing(err) {
		fmt.Fprintln(w, core.FormatUserError(err))
	}
}

// workspace is an in-memory engine the loaded files are versioned in.
type workspace struct {
	svc   *core.Service
	limit int64
}

func newWorkspace() (*workspace, error) {
	cfg := config.Default()
	svc, err := core.NewService(core.Deps{
		Repository: store.NewMemory(),
		Blobs:      core.NewMemoryBlobStore(),
	}, cfg)
	if err != nil {
		return nil, err
	}
	return &workspace{svc: svc, limit: cfg.Content.MaxPayloadSize}, nil
}

// load records a file as a version. An empty parentID makes a root version.
func (w *workspace) load(ctx context.Context, path, parentID string) (*core.Version, error) {
	format, err := core.DetectFormat("", path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	payload, err := core.ReadPayload(f, w.limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	res, err := w.svc.CreateVersion(ctx, core.CreateVersionRequest{
		SpreadsheetID: cliSpreadsheet,
		Payload:       payload,
		Format:        format,
		ParentID:      parentID,
		Detached:      parentID == "",
		ChangeSummary: filepath.Base(path),
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return res.Version, nil
}

// loadBranches records base and two files derived from it.
func (w *workspace) loadBranches(ctx context.Context, basePath, aPath, bPath string) (base, a, b *core.Version, err error) {
	if base, err = w.load(ctx, basePath, ""); err != nil {
		return nil, nil, nil, err
	}
	if a, err = w.load(ctx, aPath, base.ID); err != nil {
		return nil, nil, nil, err
	}
	if b, err = w.load(ctx, bPath, base.ID); err != nil {
		return nil, nil, nil, err
	}
	return base, a, b, nil
}
