package workbook

import (
	"context"
	"fmt"
	"sync"

	"github.com/jdziat/simple-durable-replication/pkg/core"
)

// Memory holds workbooks in process.
type Memory struct {
	mu    sync.RWMutex
	books map[string]*Book
}

var (
	_ core.Source = (*Memory)(nil)
	_ core.Target = (*Memory)(nil)
)

// NewMemory creates an empty set of workbooks.
func NewMemory() *Memory {
	return &Memory{books: make(map[string]*Book)}
}

// AddBook registers an empty workbook. Adding an existing one is a no-op.
func (m *Memory) AddBook(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.books[id]; !ok {
		m.books[id] = &Book{}
	}
}

// AddSection adds or replaces a section, creating the workbook when needed.
func (m *Memory) AddSection(bookID, sectionID string, header core.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[bookID]
	if !ok {
		b = &Book{}
		m.books[bookID] = b
	}
	b.ensure(sectionID)
	_ = b.setHeader(sectionID, header)
}

// Header returns a copy of a section's header row.
func (m *Memory) Header(bookID, sectionID string) (core.Row, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[bookID]
	if !ok {
		return core.Row{}, false
	}
	i := b.find(sectionID)
	if i < 0 {
		return core.Row{}, false
	}
	return b.Sections[i].Header.Clone(), true
}

// ListSections returns the section names of a workbook in order.
func (m *Memory) ListSections(_ context.Context, sourceID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[sourceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkbookNotFound, sourceID)
	}
	return b.names(), nil
}

// ReadSectionHeader returns the header row of a section.
func (m *Memory) ReadSectionHeader(_ context.Context, sourceID, sectionID string) (core.Row, error) {
	row, ok := m.Header(sourceID, sectionID)
	if !ok {
		return core.Row{}, fmt.Errorf("%w: %s/%s", ErrSectionNotFound, sourceID, sectionID)
	}
	return row, nil
}

// EnsureSection creates the section in an existing workbook when missing.
func (m *Memory) EnsureSection(_ context.Context, targetID, sectionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[targetID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrWorkbookNotFound, targetID)
	}
	return b.ensure(sectionID), nil
}

// WriteSectionHeader replaces the header row of an existing section.
func (m *Memory) WriteSectionHeader(_ context.Context, targetID, sectionID string, row core.Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[targetID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkbookNotFound, targetID)
	}
	if err := b.setHeader(sectionID, row); err != nil {
		return fmt.Errorf("%w: %s/%s", err, targetID, sectionID)
	}
	return nil
}
