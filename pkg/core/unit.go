package core

import "fmt"

// WorkUnit is one (section, target) replication step. It is derived, never persisted.
type WorkUnit struct {
	SectionID string
	TargetID  string
	FlatIndex int
}

func (u WorkUnit) String() string {
	return fmt.Sprintf("#%d %s -> %s", u.FlatIndex, u.SectionID, u.TargetID)
}

// TotalUnits returns the size of the sections × targets sequence.
func TotalUnits(sections, targets []string) int {
	return len(sections) * len(targets)
}

// UnitAt derives the unit at flat index i. Units are ordered section-major:
// flatIndex = sectionIndex*len(targets) + targetIndex.
// The second return value is false when i is out of range.
func UnitAt(sections, targets []string, i int) (WorkUnit, bool) {
	if i < 0 || len(targets) == 0 || i >= TotalUnits(sections, targets) {
		return WorkUnit{}, false
	}
	return WorkUnit{
		SectionID: sections[i/len(targets)],
		TargetID:  targets[i%len(targets)],
		FlatIndex: i,
	}, true
}

// OutcomeKind classifies the result of a unit.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeSkipped OutcomeKind = "skipped"
	OutcomeFailed  OutcomeKind = "failed"
)

// Outcome is the result of executing one WorkUnit.
type Outcome struct {
	Kind   OutcomeKind
	Reason string // set for skipped units
	Err    error  // set for failed units
}

// Success returns a successful outcome.
func Success() Outcome {
	return Outcome{Kind: OutcomeSuccess}
}

// Skipped returns an outcome for a unit that was deliberately not replicated.
func Skipped(reason string) Outcome {
	return Outcome{Kind: OutcomeSkipped, Reason: reason}
}

// Failed returns an outcome carrying the unit's error.
func Failed(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err}
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeSkipped:
		return fmt.Sprintf("skipped: %s", o.Reason)
	case OutcomeFailed:
		return fmt.Sprintf("failed: %v", o.Err)
	default:
		return string(o.Kind)
	}
}

// Cell is one header cell. Value and the five presentation facets are
// always copied together.
type Cell struct {
	Value               string `json:"value" yaml:"value"`
	NumberFormat        string `json:"number_format,omitempty" yaml:"number_format,omitempty"`
	FontWeight          string `json:"font_weight,omitempty" yaml:"font_weight,omitempty"`
	FontColor           string `json:"font_color,omitempty" yaml:"font_color,omitempty"`
	Background          string `json:"background,omitempty" yaml:"background,omitempty"`
	HorizontalAlignment string `json:"horizontal_alignment,omitempty" yaml:"horizontal_alignment,omitempty"`
}

// Row is the header row of a section.
type Row struct {
	Cells []Cell `json:"cells" yaml:"cells"`
}

// Width returns the number of columns in the row.
func (r Row) Width() int {
	return len(r.Cells)
}

// Empty reports whether the row has no columns.
func (r Row) Empty() bool {
	return len(r.Cells) == 0
}

// Clone returns a deep copy of the row.
func (r Row) Clone() Row {
	if r.Cells == nil {
		return Row{}
	}
	cells := make([]Cell, len(r.Cells))
	copy(cells, r.Cells)
	return Row{Cells: cells}
}
