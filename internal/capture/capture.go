// Package capture defines the speech capture adapter contract.
//
// A Recognizer turns one spoken utterance into a final transcript. Capture
// is single-shot: after Start, the recognizer reports at most one transcript
// or one error, then an end event. Availability must be checked before
// Start.
package capture

import (
	"context"
	"errors"
	"fmt"
)

// Reasons reported by recognizers. They follow the Web Speech API error
// codes so browser and server-side recognizers report alike.
const (
	ReasonNoSpeech     = "no-speech"
	ReasonNoMatch      = "no-match"
	ReasonAborted      = "aborted"
	ReasonAudioCapture = "audio-capture"
	ReasonNotAllowed   = "not-allowed"
	ReasonNetwork      = "network"
)

// ErrNoSpeech matches any *Error whose reason is ReasonNoSpeech.
var ErrNoSpeech = &Error{Reason: ReasonNoSpeech}

// Error is a capture failure with a recognizer-specific reason.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capture %s: %v", e.Reason, e.Err)
	}
	return "capture " + e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports reason equality so errors.Is(err, ErrNoSpeech) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Reason == e.Reason
}

// Events receives recognizer callbacks. Implementations must not block.
type Events interface {
	OnStarted()
	OnTranscript(text string)
	OnError(err error)
	OnEnded()
}

// Recognizer is a speech capture adapter.
type Recognizer interface {
	// Name returns the backend identifier (e.g., "browser", "whisper").
	Name() string

	// Available reports whether capture can start right now.
	Available() bool

	// Start begins capturing one utterance and reports to ev.
	Start(ctx context.Context, ev Events) error

	// Stop ends the current capture. No further events are delivered for it.
	Stop() error
}

// Finisher is implemented by recognizers that record first and transcribe
// afterwards. Finish ends recording but keeps the utterance, so its
// transcript or error is still delivered, followed by the end event.
type Finisher interface {
	Finish() error
}

// Transcriber converts one recorded utterance to text. Server-side
// recognizers record audio from the client and hand it to a Transcriber.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, audio []byte, contentType, language string) (string, error)
}
