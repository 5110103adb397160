// Package replication implements the atomic replication step: copying one
// section's header row from the source workbook into one target workbook.
package replication

import (
	"context"
	"fmt"

	"github.com/jdziat/simple-durable-replication/pkg/core"
)

// EmptySectionReason is the skip reason for a section without columns.
const EmptySectionReason = "empty section"

// Unit executes (section, target) replication steps.
type Unit struct {
	source core.Source
	target core.Target
}

// NewUnit creates a Unit reading from source and writing to target.
func NewUnit(source core.Source, target core.Target) *Unit {
	return &Unit{source: source, target: target}
}

// Execute replicates the header row of sectionID from sourceID into targetID.
//
// Errors never escape: they come back as a failed outcome so that one broken
// target does not stop the rest of the job. Running Execute twice for the same
// unit leaves the target as after one run.
func (u *Unit) Execute(ctx context.Context, sourceID, targetID, sectionID string) core.Outcome {
	header, err := u.source.ReadSectionHeader(ctx, sourceID, sectionID)
	if err != nil {
		return core.Failed(fmt.Errorf("read header of %q: %w", sectionID, err))
	}
	if header.Empty() {
		return core.Skipped(EmptySectionReason)
	}

	if _, err := u.target.EnsureSection(ctx, targetID, sectionID); err != nil {
		return core.Failed(fmt.Errorf("ensure section %q in %q: %w", sectionID, targetID, err))
	}

	// Values and formatting go in one write; a partial copy counts as a failure.
	if err := u.target.WriteSectionHeader(ctx, targetID, sectionID, header.Clone()); err != nil {
		return core.Failed(fmt.Errorf("write header of %q to %q: %w", sectionID, targetID, err))
	}
	return core.Success()
}
