// Package browser implements playback.Speaker by relaying to the browser's
// speechSynthesis engine.
//
// Browsers that report utterance end events end playback precisely; for the
// rest the end of speech is estimated from the reply length.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nadzzz/voicechat/internal/playback"
)

// Sender delivers a JSON-encodable command to the browser.
type Sender interface {
	Send(msg any) error
}

// ErrUnsupported is returned by Speak when the browser has no synthesis engine.
var ErrUnsupported = errors.New("speech synthesis is not supported in this browser")

// SpeakCommand asks the browser to voice text.
type SpeakCommand struct {
	Type     string `json:"type"`
	ID       uint64 `json:"id"`
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// CancelCommand stops the browser's current utterance.
type CancelCommand struct {
	Type string `json:"type"`
}

// Speaker relays playback to the browser.
type Speaker struct {
	out      Sender
	language string
	perChar  time.Duration

	supports  atomic.Bool
	endEvents atomic.Bool
	tracker   playback.Tracker
}

// New creates a browser speaker estimating perChar of speech per character.
func New(out Sender, language string, perChar time.Duration) *Speaker {
	return &Speaker{out: out, language: language, perChar: perChar}
}

// Name returns the backend identifier.
func (s *Speaker) Name() string { return "browser" }

// SetCapabilities records what the browser's synthesis engine offers.
func (s *Speaker) SetCapabilities(synthesis, endEvents bool) {
	s.supports.Store(synthesis)
	s.endEvents.Store(endEvents)
}

// Speak sends text to the browser and arms the end-of-speech timer.
func (s *Speaker) Speak(_ context.Context, text string, ev playback.Events) error {
	if !s.supports.Load() {
		return ErrUnsupported
	}
	id := s.tracker.Begin(ev)
	if err := s.out.Send(SpeakCommand{Type: "playback.speak", ID: id, Text: text, Language: s.language}); err != nil {
		s.tracker.Cancel()
		return fmt.Errorf("sending playback.speak: %w", err)
	}

	d := playback.Estimate(text, s.perChar)
	if s.endEvents.Load() {
		// The browser reports the real end; the timer only guards against a
		// lost event.
		d = 2*d + 5*time.Second
	}
	s.tracker.Arm(id, d)
	return nil
}

// Cancel stops the current utterance in the browser.
func (s *Speaker) Cancel() {
	if s.tracker.Current() == 0 {
		return
	}
	s.tracker.Cancel()
	if err := s.out.Send(CancelCommand{Type: "playback.cancel"}); err != nil {
		slog.Debug("failed to send playback.cancel", "error", err)
	}
}

// HandleEnded relays the browser's utterance end for id.
func (s *Speaker) HandleEnded(id uint64) { s.tracker.End(id) }

// HandleError relays a synthesis failure for id.
func (s *Speaker) HandleError(id uint64, message string) {
	s.tracker.Fail(id, fmt.Errorf("speech synthesis: %s", message))
}
