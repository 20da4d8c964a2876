package ensemble

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure for the propagation policy. Kinds are behavior
// labels, not types: components decide whether to recover locally, surface to
// the user, or record and feed back based on the kind alone.
type Kind string

const (
	KindInputInvalid   Kind = "input-invalid"
	KindForbiddenTool  Kind = "forbidden-tool"
	KindToolTransport  Kind = "tool-transport"
	KindToolError      Kind = "tool-error"
	KindModelTransient Kind = "model-transient"
	KindModelFatal     Kind = "model-fatal"
	KindTimeout        Kind = "timeout"
	KindBudgetExceeded Kind = "budget-exceeded"
	KindPersistence    Kind = "persistence-unavailable"
	KindCancelled      Kind = "cancelled"
)

// TurnError is a kinded error surfaced from turn execution.
type TurnError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *TurnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *TurnError) Unwrap() error { return e.Err }

// Errf builds a TurnError with a formatted message.
func Errf(kind Kind, format string, args ...any) *TurnError {
	return &TurnError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapErr builds a TurnError wrapping an underlying cause.
func WrapErr(kind Kind, msg string, err error) *TurnError {
	return &TurnError{Kind: kind, Message: msg, Err: err}
}

// KindOf classifies an arbitrary error into the taxonomy. Context
// cancellation and deadline errors map to their kinds; transient transport
// statuses map to model-transient; everything else defaults to model-fatal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *TurnError
	if errors.As(err, &te) {
		return te.Kind
	}
	var tool *ToolError
	if errors.As(err, &tool) {
		return tool.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	var he *ErrHTTP
	if errors.As(err, &he) && (he.Status == 429 || he.Status == 503) {
		return KindModelTransient
	}
	return KindModelFatal
}

// Surfaced reports whether an error of this kind is shown to the user as a
// turn failure, per the propagation policy. Recorded kinds (tool-error,
// timeout with partial responses) are handled at the turn boundary instead.
func (k Kind) Surfaced() bool {
	switch k {
	case KindInputInvalid, KindForbiddenTool, KindModelFatal, KindTimeout, KindCancelled:
		return true
	}
	return false
}

// ErrHTTP is a transport-level failure from a model or tool endpoint.
// RetryAfter carries the server's Retry-After hint when present.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrModel is a chat model failure that is not transport-shaped (refusals,
// malformed responses, decode failures).
type ErrModel struct {
	Provider string
	Message  string
}

func (e *ErrModel) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}
