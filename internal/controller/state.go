package controller

import (
	"errors"
	"fmt"
	"time"

	"github.com/nadzzz/voicechat/internal/transcript"
)

// State is the session's single interaction state. Capture, streaming and
// playback are mutually exclusive.
type State int

const (
	Idle State = iota
	Capturing
	Streaming
	Speaking
)

var stateNames = [...]string{"idle", "capturing", "streaming", "speaking"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state by name in published views.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	// ErrBusy is returned by an intent that is not allowed in the current state.
	ErrBusy = errors.New("controller: busy")

	// ErrCaptureUnavailable is carried by the notice published when voice
	// input is requested but the recognizer cannot start.
	ErrCaptureUnavailable = errors.New("speech capture unavailable")

	// ErrStopped is returned by intents sent after Run has returned.
	ErrStopped = errors.New("controller: stopped")
)

// StreamError reports a failed completion. The partial reply stays in the
// transcript.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string { return "stream failed: " + e.Err.Error() }
func (e *StreamError) Unwrap() error { return e.Err }

// CaptureFailedError reports a capture that ended without a usable
// transcript.
type CaptureFailedError struct {
	Err error
}

func (e *CaptureFailedError) Error() string { return "capture failed: " + e.Err.Error() }
func (e *CaptureFailedError) Unwrap() error { return e.Err }

// PlaybackFailedError reports a reply that could not be voiced.
type PlaybackFailedError struct {
	Err error
}

func (e *PlaybackFailedError) Error() string { return "playback failed: " + e.Err.Error() }
func (e *PlaybackFailedError) Unwrap() error { return e.Err }

// NoticeKind classifies user-visible notices.
type NoticeKind string

const (
	NoticeCaptureUnavailable NoticeKind = "capture_unavailable"
	NoticeCaptureFailed      NoticeKind = "capture_failed"
	NoticeStreamFailed       NoticeKind = "stream_failed"
	NoticePlaybackFailed     NoticeKind = "playback_failed"
)

// Notice is a transient message for the user.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
	Err     error      `json:"-"`
	At      time.Time  `json:"at"`
}

func noticeMessage(kind NoticeKind, err error) string {
	switch kind {
	case NoticeCaptureUnavailable:
		return "Speech recognition is not supported in your browser."
	case NoticeCaptureFailed:
		return "Could not understand audio. Please try again."
	case NoticeStreamFailed:
		var se *StreamError
		if errors.As(err, &se) && se.Err != nil && se.Err.Error() != "" {
			return se.Err.Error()
		}
		return "Failed to get response"
	case NoticePlaybackFailed:
		return "Could not play the response."
	}
	return string(kind)
}

// View is what the presentation layer renders.
type View struct {
	State State             `json:"state"`
	Turns []transcript.Turn `json:"turns"`
}

// Observer receives published views and notices on the controller goroutine.
// Implementations must not block.
type Observer interface {
	OnView(v View)
	OnNotice(n Notice)
}

// Metrics observes controller activity.
type Metrics interface {
	Transition(from, to State)
	Chunk()
	Notice(kind NoticeKind)
	StreamFinished(outcome string, d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) Transition(State, State)              {}
func (nopMetrics) Chunk()                               {}
func (nopMetrics) Notice(NoticeKind)                    {}
func (nopMetrics) StreamFinished(string, time.Duration) {}
