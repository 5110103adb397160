package workbook

import (
	"errors"

	"github.com/jdziat/simple-durable-replication/pkg/core"
)

var (
	ErrWorkbookNotFound = errors.New("workbook: workbook not found")
	ErrSectionNotFound  = errors.New("workbook: section not found")
)

// Section is a named section and its header row.
type Section struct {
	Name   string   `yaml:"name"`
	Header core.Row `yaml:"header"`
}

// Book is the content of one workbook.
type Book struct {
	Sections []Section `yaml:"sections"`
}

func (b *Book) find(name string) int {
	for i := range b.Sections {
		if b.Sections[i].Name == name {
			return i
		}
	}
	return -1
}

func (b *Book) names() []string {
	names := make([]string, len(b.Sections))
	for i, s := range b.Sections {
		names[i] = s.Name
	}
	return names
}

// ensure appends an empty section when missing and reports whether it did.
func (b *Book) ensure(name string) bool {
	if b.find(name) >= 0 {
		return false
	}
	b.Sections = append(b.Sections, Section{Name: name})
	return true
}

func (b *Book) setHeader(name string, row core.Row) error {
	i := b.find(name)
	if i < 0 {
		return ErrSectionNotFound
	}
	b.Sections[i].Header = row.Clone()
	return nil
}
