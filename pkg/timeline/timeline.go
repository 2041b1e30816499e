// Package timeline derives the presentation order of a session's turns and insights.
// Nothing here is persisted; callers rebuild it on every read.
package timeline

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/go-go-golems/rebuttal/pkg/persistence/sessionstore"
)

type Kind string

const (
	KindTurn    Kind = "turn"
	KindInsight Kind = "insight"
)

// Entry is one row of the timeline. Exactly one of Turn and Insight is set.
type Entry struct {
	Kind      Kind                  `json:"kind" yaml:"kind"`
	CreatedAt time.Time             `json:"created_at" yaml:"created_at"`
	Turn      *sessionstore.Turn    `json:"turn,omitempty" yaml:"turn,omitempty"`
	Insight   *sessionstore.Insight `json:"insight,omitempty" yaml:"insight,omitempty"`
}

// Build merges turns and insights by creation time. The sort is stable: turns keep
// their input order, insights keep theirs, and at equal timestamps turns come first.
func Build(turns []sessionstore.Turn, insights []sessionstore.Insight) []Entry {
	out := make([]Entry, 0, len(turns)+len(insights))
	for i := range turns {
		t := turns[i]
		out = append(out, Entry{Kind: KindTurn, CreatedAt: t.CreatedAt, Turn: &t})
	}
	for i := range insights {
		ins := insights[i]
		out = append(out, Entry{Kind: KindInsight, CreatedAt: ins.CreatedAt, Insight: &ins})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// FormatDuration renders seconds as "N hr M min", "N min" or "N sec". A nil value
// renders as "--".
func FormatDuration(seconds *float64) string {
	if seconds == nil || math.IsNaN(*seconds) || *seconds < 0 {
		return "--"
	}
	total := int(math.Floor(*seconds))
	hours := total / 3600
	minutes := (total % 3600) / 60
	switch {
	case hours > 0:
		return fmt.Sprintf("%d hr %d min", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%d min", minutes)
	default:
		return fmt.Sprintf("%d sec", total)
	}
}
