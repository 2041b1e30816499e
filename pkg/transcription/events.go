package transcription

import "time"

// Event is one typed message coming out of a Link. The concrete types are
// SessionBegan, TurnUpdated, Terminated and ProviderError.
type Event interface {
	isEvent()
}

// SessionBegan is delivered once the provider has acknowledged the stream.
type SessionBegan struct {
	ProviderID string
	ExpiresAt  time.Time
}

// TurnUpdated carries the latest transcript of the utterance in progress. Only
// IsFinal updates are committed; earlier ones for the same utterance are superseded.
type TurnUpdated struct {
	Transcript string
	IsFinal    bool
	EndOfTurn  bool
	// ProviderTurnOrder is the provider's own counter, informational only.
	ProviderTurnOrder int
}

// Terminated reports the provider's totals when the stream ends gracefully.
type Terminated struct {
	AudioDurationSeconds   float64
	SessionDurationSeconds float64
}

// ProviderError is a failure reported by the provider or by the transport mid-stream.
type ProviderError struct {
	Message string
}

func (SessionBegan) isEvent()  {}
func (TurnUpdated) isEvent()   {}
func (Terminated) isEvent()    {}
func (ProviderError) isEvent() {}
