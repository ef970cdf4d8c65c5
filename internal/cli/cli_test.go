package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/sheetvc/internal/core"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// run executes the command tree and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

// branches writes a base sheet and two edits of it. Both edit qty of key 1;
// a also renames key 2 and b changes its qty.
func branches(t *testing.T) (base, a, b string) {
	t.Helper()
	dir := t.TempDir()
	base = writeFile(t, dir, "base.csv", "id,name,qty\n1,apple,3\n2,pear,5\n")
	a = writeFile(t, dir, "a.csv", "id,name,qty\n1,apple,4\n2,Pear,5\n")
	b = writeFile(t, dir, "b.csv", "id,name,qty\n1,apple,7\n2,pear,6\n")
	return base, a, b
}

// =============================================================================
// Flags
// =============================================================================

func TestRootCommand_Flags(t *testing.T) {
	root := NewRootCommand()

	output := root.PersistentFlags().Lookup("output")
	require.NotNil(t, output)
	assert.Equal(t, "o", output.Shorthand)
	assert.Equal(t, "text", output.DefValue)
	require.NotNil(t, root.PersistentFlags().Lookup("verbose"))

	names := make([]string, 0, len(root.Commands()))
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"hash", "diff", "conflicts", "merge"}, names)
}

func TestDiffCommand_Flags(t *testing.T) {
	cmd := newDiffCommand(&rootOptions{})
	for _, name := range []string{"ignore-case", "ignore-whitespace", "detailed", "id-column"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

func TestMergeCommand_Flags(t *testing.T) {
	cmd := newMergeCommand(&rootOptions{})
	strategy := cmd.Flags().Lookup("strategy")
	require.NotNil(t, strategy)
	assert.Equal(t, "manual_review", strategy.DefValue)
	assert.NotNil(t, cmd.Flags().Lookup("out"))
}

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    OutputFormat
		wantErr bool
	}{
		{input: "text", want: OutputText},
		{input: "", want: OutputText},
		{input: "JSON", want: OutputJSON},
		{input: " yaml ", want: OutputYAML},
		{input: "table", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseOutputFormat(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRun_UnknownOutputFormat(t *testing.T) {
	base, _, _ := branches(t)
	_, err := run(t, "hash", "--output", "xml", base)
	assert.ErrorContains(t, err, "unknown output format")
}

func TestReportError(t *testing.T) {
	dir := t.TempDir()
	xlsx := writeFile(t, dir, "sheet.xlsx", "binary")
	_, err := run(t, "hash", xlsx)
	require.Error(t, err)

	var buf bytes.Buffer
	reportError(&buf, err)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "Error: "+xlsx))
	assert.Equal(t, core.FormatUserError(err), lines[1])
	assert.Contains(t, lines[1], "(Code: VAL003)")

	buf.Reset()
	reportError(&buf, errors.New("3 conflicts need manual resolution"))
	assert.Equal(t, "Error: 3 conflicts need manual resolution\n", buf.String(), "unknown errors get no code")
}

// =============================================================================
// hash
// =============================================================================

func TestHash_EquivalentEncodingsMatch(t *testing.T) {
	dir := t.TempDir()
	plain := writeFile(t, dir, "plain.csv", "id,name\n1,apple\n")
	bom := writeFile(t, dir, "bom.csv", "\xEF\xBB\xBFid,name\r\n1,apple\r\n")
	grid := writeFile(t, dir, "grid.json", `{"headers":["id","name"],"rows":[["1","apple"]]}`)

	out, err := run(t, "hash", "-o", "json", plain, bom, grid)
	require.NoError(t, err)

	var reports []hashReport
	require.NoError(t, json.Unmarshal([]byte(out), &reports))
	require.Len(t, reports, 3)
	assert.Len(t, reports[0].Hash, 64)
	assert.Equal(t, reports[0].Hash, reports[1].Hash)
	assert.Equal(t, reports[0].Hash, reports[2].Hash)
	assert.Equal(t, 1, reports[0].Rows)
	assert.Equal(t, []string{"id", "name"}, reports[0].Headers)
}

func TestHash_Text(t *testing.T) {
	base, _, _ := branches(t)
	out, err := run(t, "hash", base)
	require.NoError(t, err)
	assert.Contains(t, out, base)
	assert.Contains(t, out, "2x3")
}

func TestHash_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := run(t, "hash", filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)

	xlsx := writeFile(t, dir, "sheet.xlsx", "binary")
	_, err = run(t, "hash", xlsx)
	assert.ErrorIs(t, err, core.ErrUnsupportedFormat)

	_, err = run(t, "hash")
	assert.Error(t, err, "at least one file is required")
}

// =============================================================================
// diff
// =============================================================================

func TestDiff_JSON(t *testing.T) {
	base, a, _ := branches(t)

	out, err := run(t, "diff", "--output", "json", base, a)
	require.NoError(t, err)

	var d core.Diff
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.Equal(t, "id", d.KeyColumn())
	assert.Equal(t, 2, d.Stats.ChangedCells)
	assert.Equal(t, 2, d.Stats.ChangedRows)
	assert.Empty(t, d.AddedRows)
	assert.Empty(t, d.RemovedRows)
}

func TestDiff_Text(t *testing.T) {
	base, a, _ := branches(t)

	out, err := run(t, "diff", base, a)
	require.NoError(t, err)
	assert.Contains(t, out, `key 1, column qty`)
	assert.Contains(t, out, `"3" -> "4"`)
	assert.Contains(t, out, `"pear" -> "Pear"`)
	assert.Contains(t, out, "0 rows added, 0 removed, 2 changed (2 cells)")
}

func TestDiff_IgnoreCase(t *testing.T) {
	dir := t.TempDir()
	from := writeFile(t, dir, "from.csv", "id,name\n1,pear\n")
	to := writeFile(t, dir, "to.csv", "id,name\n1,PEAR\n")

	out, err := run(t, "diff", "--ignore-case", from, to)
	require.NoError(t, err)
	assert.Equal(t, "no differences\n", out)
}

func TestDiff_YAML(t *testing.T) {
	base, _, b := branches(t)

	out, err := run(t, "diff", "-o", "yaml", base, b)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	stats, ok := doc["stats"].(map[string]any)
	require.True(t, ok, "stats present in %s", out)
	assert.Equal(t, 2, stats["changed_cells"])
}

func TestDiff_UnknownIDColumn(t *testing.T) {
	base, a, _ := branches(t)
	_, err := run(t, "diff", "--id-column", "sku", base, a)
	assert.ErrorIs(t, err, core.ErrValidation)
}

// =============================================================================
// conflicts
// =============================================================================

func TestConflicts_JSON(t *testing.T) {
	base, a, b := branches(t)

	out, err := run(t, "conflicts", "-o", "json", base, a, b)
	require.NoError(t, err)

	var cs []*core.Conflict
	require.NoError(t, json.Unmarshal([]byte(out), &cs))
	require.Len(t, cs, 1)
	assert.Equal(t, core.ConflictCellValue, cs[0].Type)
	assert.Equal(t, "1", cs[0].Location.RowKey)
	assert.Equal(t, "qty", cs[0].Location.Column)
	assert.Equal(t, "4", cs[0].ValueA)
	assert.Equal(t, "7", cs[0].ValueB)
}

func TestConflicts_Text(t *testing.T) {
	base, a, b := branches(t)

	out, err := run(t, "conflicts", base, a, b)
	require.NoError(t, err)
	assert.Contains(t, out, "TYPE")
	assert.Contains(t, out, "cell_value")
	assert.Contains(t, out, "1 conflicts")
}

func TestConflicts_None(t *testing.T) {
	base, a, _ := branches(t)

	out, err := run(t, "conflicts", base, a, base)
	require.NoError(t, err)
	assert.Equal(t, "no conflicts\n", out)
}

// =============================================================================
// merge
// =============================================================================

func TestMerge_ManualReviewFails(t *testing.T) {
	base, a, b := branches(t)

	out, err := run(t, "merge", base, a, b)
	assert.ErrorContains(t, err, "1 conflicts need manual resolution")
	assert.Contains(t, out, "cell_value")
}

func TestMerge_LatestWinsToStdout(t *testing.T) {
	base, a, b := branches(t)

	out, err := run(t, "merge", "--strategy", "latest_wins", "--out", "-", base, a, b)
	require.NoError(t, err)
	assert.Equal(t, "id,name,qty\n1,apple,7\n2,Pear,6\n", out)
}

func TestMerge_WritesFile(t *testing.T) {
	base, a, b := branches(t)
	dest := filepath.Join(t.TempDir(), "merged.csv")

	out, err := run(t, "merge", "-s", "latest_wins", "--out", dest, "-o", "json", base, a, b)
	require.NoError(t, err)

	var report mergeReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, core.OutcomeMerged, report.Status)
	assert.Equal(t, 1, report.AutoResolved)
	assert.Equal(t, 2, report.Rows)
	assert.Len(t, report.Hash, 64)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "id,name,qty\n1,apple,7\n2,Pear,6\n", string(data))
}

func TestMerge_CleanWithoutConflicts(t *testing.T) {
	dir := t.TempDir()
	base := writeFile(t, dir, "base.csv", "id,name\n1,a\n2,b\n")
	a := writeFile(t, dir, "a.csv", "id,name\n1,x\n2,b\n")
	b := writeFile(t, dir, "b.csv", "id,name\n1,a\n2,y\n")

	out, err := run(t, "merge", "--out", "-", base, a, b)
	require.NoError(t, err)
	assert.Equal(t, "id,name\n1,x\n2,y\n", out)
}

func TestMerge_UnknownStrategy(t *testing.T) {
	base, a, b := branches(t)
	_, err := run(t, "merge", "--strategy", "coin_flip", base, a, b)
	assert.ErrorIs(t, err, core.ErrValidation)
}
