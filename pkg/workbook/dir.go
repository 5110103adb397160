package workbook

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/jdziat/simple-durable-replication/pkg/core"
	"github.com/jdziat/simple-durable-replication/pkg/security"
)

// Dir stores each workbook as <root>/<id>.yaml. Writes go through a temp
// file and a rename, so a killed process never leaves a half-written workbook.
type Dir struct {
	root string
	mu   sync.Mutex
}

var (
	_ core.Source = (*Dir)(nil)
	_ core.Target = (*Dir)(nil)
)

// NewDir returns a Dir rooted at root. The directory must exist.
func NewDir(root string) (*Dir, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("open workbook dir %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open workbook dir %s: not a directory", root)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) path(id string) (string, error) {
	// Workbook IDs share the job-name alphabet, which keeps them inside root.
	if err := security.ValidateJobName(id); err != nil {
		return "", fmt.Errorf("workbook id %q: %w", id, err)
	}
	return filepath.Join(d.root, id+".yaml"), nil
}

// Load reads a workbook.
func (d *Dir) Load(id string) (*Book, error) {
	path, err := d.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrWorkbookNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read workbook %s: %w", path, err)
	}
	var b Book
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse workbook %s: %w", path, err)
	}
	return &b, nil
}

// Store writes a workbook atomically.
func (d *Dir) Store(id string, b *Book) error {
	path, err := d.path(id)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal workbook %s: %w", id, err)
	}
	return writeFileAtomic(path, data)
}

// ListSections returns the section names of a workbook in order.
func (d *Dir) ListSections(_ context.Context, sourceID string) ([]string, error) {
	b, err := d.Load(sourceID)
	if err != nil {
		return nil, err
	}
	return b.names(), nil
}

// ReadSectionHeader returns the header row of a section.
func (d *Dir) ReadSectionHeader(_ context.Context, sourceID, sectionID string) (core.Row, error) {
	b, err := d.Load(sourceID)
	if err != nil {
		return core.Row{}, err
	}
	i := b.find(sectionID)
	if i < 0 {
		return core.Row{}, fmt.Errorf("%w: %s/%s", ErrSectionNotFound, sourceID, sectionID)
	}
	return b.Sections[i].Header, nil
}

// EnsureSection creates the section in an existing workbook when missing.
func (d *Dir) EnsureSection(_ context.Context, targetID, sectionID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.Load(targetID)
	if err != nil {
		return false, err
	}
	if !b.ensure(sectionID) {
		return false, nil
	}
	if err := d.Store(targetID, b); err != nil {
		return false, err
	}
	return true, nil
}

// WriteSectionHeader replaces the header row of an existing section.
func (d *Dir) WriteSectionHeader(_ context.Context, targetID, sectionID string, row core.Row) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.Load(targetID)
	if err != nil {
		return err
	}
	if err := b.setHeader(sectionID, row); err != nil {
		return fmt.Errorf("%w: %s/%s", err, targetID, sectionID)
	}
	return d.Store(targetID, b)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".workbook-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}
