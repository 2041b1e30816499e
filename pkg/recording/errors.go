package recording

import (
	"github.com/go-go-golems/rebuttal/pkg/insights"
	"github.com/go-go-golems/rebuttal/pkg/persistence/sessionstore"
	"github.com/go-go-golems/rebuttal/pkg/transcription"
	"github.com/pkg/errors"
)

// ErrorKind classifies failures for integrators that want more than a message.
type ErrorKind string

const (
	KindConnect  ErrorKind = "connect"
	KindProvider ErrorKind = "provider"
	KindStore    ErrorKind = "store"
	KindPipeline ErrorKind = "pipeline"
	KindState    ErrorKind = "state"
)

var (
	// ErrInvalidState is returned for commands that are not allowed in the current state.
	ErrInvalidState = errors.New("invalid state transition")
	// ErrProvider wraps failures reported by the transcription provider mid-stream.
	ErrProvider = errors.New("transcription provider")
)

// Error is returned by orchestrator commands.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message is the text shown to users; it omits the operation prefix.
func (e *Error) Message() string {
	return e.Err.Error()
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf classifies any error produced by this module. Unknown errors return "".
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	switch {
	case errors.Is(err, ErrInvalidState):
		return KindState
	case errors.Is(err, transcription.ErrConnect):
		return KindConnect
	case errors.Is(err, ErrProvider):
		return KindProvider
	case errors.Is(err, sessionstore.ErrStore):
		return KindStore
	case errors.Is(err, insights.ErrPipeline):
		return KindPipeline
	}
	return ""
}

// Failure is the advisory error surfaced in the view.
type Failure struct {
	Kind    ErrorKind `json:"kind" yaml:"kind"`
	Message string    `json:"message" yaml:"message"`
}
