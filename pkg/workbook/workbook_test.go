package workbook

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/simple-durable-replication/pkg/core"
)

var header = core.Row{Cells: []core.Cell{
	{Value: "Date", NumberFormat: "yyyy-mm-dd", FontWeight: "bold", FontColor: "#000000", Background: "#ffff00", HorizontalAlignment: "center"},
	{Value: "Amount", NumberFormat: "#,##0", FontWeight: "bold"},
}}

// ─── Memory ───────────────────────────────────────────────────────────────────

func TestMemory_SourceAndTarget(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.AddSection("template", "A", header)
	m.AddSection("template", "B", core.Row{})
	m.AddBook("T1")

	sections, err := m.ListSections(ctx, "template")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, sections)

	row, err := m.ReadSectionHeader(ctx, "template", "A")
	require.NoError(t, err)
	assert.Equal(t, header, row)

	created, err := m.EnsureSection(ctx, "T1", "A")
	require.NoError(t, err)
	assert.True(t, created)
	created, err = m.EnsureSection(ctx, "T1", "A")
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, m.WriteSectionHeader(ctx, "T1", "A", header))
	got, ok := m.Header("T1", "A")
	require.True(t, ok)
	assert.Equal(t, header, got)
}

func TestMemory_Errors(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.AddBook("T1")

	_, err := m.ListSections(ctx, "missing")
	assert.ErrorIs(t, err, ErrWorkbookNotFound)

	_, err = m.ReadSectionHeader(ctx, "T1", "A")
	assert.ErrorIs(t, err, ErrSectionNotFound)

	_, err = m.EnsureSection(ctx, "missing", "A")
	assert.ErrorIs(t, err, ErrWorkbookNotFound)

	err = m.WriteSectionHeader(ctx, "T1", "A", header)
	assert.ErrorIs(t, err, ErrSectionNotFound)
}

func TestMemory_HeaderIsCopied(t *testing.T) {
	m := NewMemory()
	row := header.Clone()
	m.AddSection("template", "A", row)
	row.Cells[0].Value = "changed"

	got, _ := m.Header("template", "A")
	assert.Equal(t, "Date", got.Cells[0].Value)
}

// ─── Dir ──────────────────────────────────────────────────────────────────────

func TestDir_RoundTrip(t *testing.T) {
	ctx := context.Background()
	d, err := NewDir(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, d.Store("template", &Book{Sections: []Section{
		{Name: "A", Header: header},
		{Name: "B"},
	}}))
	require.NoError(t, d.Store("T1", &Book{}))

	sections, err := d.ListSections(ctx, "template")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, sections)

	created, err := d.EnsureSection(ctx, "T1", "A")
	require.NoError(t, err)
	assert.True(t, created)

	row, err := d.ReadSectionHeader(ctx, "template", "A")
	require.NoError(t, err)
	require.NoError(t, d.WriteSectionHeader(ctx, "T1", "A", row))

	got, err := d.ReadSectionHeader(ctx, "T1", "A")
	require.NoError(t, err)
	assert.Equal(t, header, got)

	empty, err := d.ReadSectionHeader(ctx, "template", "B")
	require.NoError(t, err)
	assert.True(t, empty.Empty())
}

func TestDir_ParsesHandWrittenYAML(t *testing.T) {
	root := t.TempDir()
	doc := `sections:
  - name: Ledger
    header:
      cells:
        - value: Date
          font_weight: bold
          horizontal_alignment: center
`
	require.NoError(t, os.WriteFile(filepath.Join(root, "template.yaml"), []byte(doc), 0o644))

	d, err := NewDir(root)
	require.NoError(t, err)
	row, err := d.ReadSectionHeader(context.Background(), "template", "Ledger")
	require.NoError(t, err)
	require.Equal(t, 1, row.Width())
	assert.Equal(t, "bold", row.Cells[0].FontWeight)
	assert.Equal(t, "center", row.Cells[0].HorizontalAlignment)
}

func TestDir_Errors(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	d, err := NewDir(root)
	require.NoError(t, err)

	_, err = d.ListSections(ctx, "missing")
	assert.ErrorIs(t, err, ErrWorkbookNotFound)

	_, err = d.ListSections(ctx, "../etc/passwd")
	assert.ErrorIs(t, err, core.ErrInvalidJobName)

	_, err = NewDir(filepath.Join(root, "nope"))
	assert.Error(t, err)
}

func TestDir_NoTempFilesLeft(t *testing.T) {
	root := t.TempDir()
	d, err := NewDir(root)
	require.NoError(t, err)
	require.NoError(t, d.Store("T1", &Book{}))
	_, err = d.EnsureSection(context.Background(), "T1", "A")
	require.NoError(t, err)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "T1.yaml", entries[0].Name())
}
