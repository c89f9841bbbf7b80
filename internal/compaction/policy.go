// Package compaction decides when a thread's active window is folded into its
// summary and which messages take part in the fold.
package compaction

import (
	"fmt"

	"memochat/internal/models"
)

const (
	DefaultThreshold    = 6
	DefaultPreserveTail = 2

	// minFoldWindow is the largest window that is never folded, whatever
	// the tail setting.
	minFoldWindow = 2
)

// Policy is pure: the same input always yields the same decision.
type Policy struct {
	// Threshold is the largest active window that is left alone.
	Threshold int
	// PreserveTail is the number of most recent messages kept verbatim.
	PreserveTail int
}

// Default returns the 6 / 2 policy.
func Default() Policy {
	return Policy{Threshold: DefaultThreshold, PreserveTail: DefaultPreserveTail}
}

// Validate rejects policies that could fold the whole window or never keep it bounded.
func (p Policy) Validate() error {
	if p.Threshold < 1 {
		return fmt.Errorf("compaction threshold must be at least 1, got %d", p.Threshold)
	}
	if p.PreserveTail < 0 {
		return fmt.Errorf("compaction preserve tail must not be negative, got %d", p.PreserveTail)
	}
	if p.PreserveTail > p.Threshold {
		return fmt.Errorf("compaction preserve tail %d exceeds threshold %d", p.PreserveTail, p.Threshold)
	}
	return nil
}

// ShouldSummarize reports whether an active window of activeCount messages
// must be folded.
func (p Policy) ShouldSummarize(activeCount int) bool {
	return activeCount > p.Threshold
}

// SelectFoldRange returns the oldest messages of active, leaving the last
// PreserveTail untouched. It returns nil when nothing can be folded, which
// includes every window of two messages or fewer.
func (p Policy) SelectFoldRange(active []*models.Message) []*models.Message {
	if len(active) <= minFoldWindow {
		return nil
	}
	n := len(active) - p.PreserveTail
	if n <= 0 {
		return nil
	}
	out := make([]*models.Message, n)
	copy(out, active[:n])
	return out
}
