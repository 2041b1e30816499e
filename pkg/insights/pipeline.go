// Package insights decides when to ask for an insight, runs or calls the two-stage
// insight pipeline, and announces generated insights on the notification bus.
package insights

import (
	"context"

	"github.com/go-go-golems/rebuttal/pkg/persistence/sessionstore"
	"github.com/pkg/errors"
)

var (
	// ErrPipeline marks every insight pipeline failure.
	ErrPipeline = errors.New("insight pipeline")
	// ErrMalformedOutput marks model output that could not be parsed. It is always
	// wrapped together with ErrPipeline.
	ErrMalformedOutput = errors.New("malformed model output")
)

// Request asks the pipeline to consider one trigger turn.
type Request struct {
	SessionID     string `json:"session_id"`
	TriggerTurnID string `json:"trigger_turn_id"`
}

// Response is either a generated insight or a reason why none was produced.
type Response struct {
	Insight *sessionstore.Insight `json:"insight"`
	Reason  string                `json:"reason,omitempty"`
}

// Pipeline runs the router and generator stages for a request. A declined request
// is a Response with a nil Insight and a nil error.
type Pipeline interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

func pipelineErr(err error, msg string) error {
	return errors.Wrap(&wrapped{kind: ErrPipeline, err: err}, msg)
}

type wrapped struct {
	kind error
	err  error
}

func (w *wrapped) Error() string {
	return w.kind.Error() + ": " + w.err.Error()
}

func (w *wrapped) Unwrap() []error {
	return []error{w.kind, w.err}
}

// MalformedError is a pipeline failure caused by model output that could not be
// used. Reason is the short text surfaced to clients in place of an insight.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err == nil {
		return ErrPipeline.Error() + ": " + e.Reason
	}
	return ErrPipeline.Error() + ": " + e.Reason + ": " + e.Err.Error()
}

func (e *MalformedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPipeline, ErrMalformedOutput}
	}
	return []error{ErrPipeline, ErrMalformedOutput, e.Err}
}

// MalformedReason returns the client-facing reason when err came from unusable
// model output.
func MalformedReason(err error) (string, bool) {
	var me *MalformedError
	if errors.As(err, &me) {
		return me.Reason, true
	}
	return "", false
}
