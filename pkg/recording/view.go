package recording

import (
	"github.com/go-go-golems/rebuttal/pkg/persistence/sessionstore"
	"github.com/go-go-golems/rebuttal/pkg/timeline"
)

// View is a consistent snapshot of the orchestrator for presentation. Version grows
// with every change so consumers can discard stale snapshots.
type View struct {
	Version           uint64                 `json:"version"`
	State             State                  `json:"state"`
	Session           *sessionstore.Session  `json:"session,omitempty"`
	ProviderSessionID string                 `json:"provider_session_id,omitempty"`
	Turns             []sessionstore.Turn    `json:"turns"`
	Insights          []sessionstore.Insight `json:"insights"`
	Partial           string                 `json:"partial,omitempty"`
	Failure           *Failure               `json:"failure,omitempty"`
}

// Timeline interleaves the view's turns and insights.
func (v View) Timeline() []timeline.Entry {
	return timeline.Build(v.Turns, v.Insights)
}
