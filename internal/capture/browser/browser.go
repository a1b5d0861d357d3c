// Package browser implements capture.Recognizer by relaying to the Web Speech
// recognition engine running in the connected browser.
//
// The recognizer sends capture commands down the session socket and the
// session feeds the browser's recognition events back through the Handle*
// methods.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nadzzz/voicechat/internal/capture"
)

// Sender delivers a JSON-encodable command to the browser.
type Sender interface {
	Send(msg any) error
}

// ErrUnsupported is returned by Start when the browser has no recognition engine.
var ErrUnsupported = errors.New("speech recognition is not supported in this browser")

// Command is the frame sent to the browser.
type Command struct {
	Type     string `json:"type"`
	Language string `json:"language,omitempty"`
}

// Recognizer relays capture to the browser.
type Recognizer struct {
	out      Sender
	language string
	supports atomic.Bool

	mu sync.Mutex
	ev capture.Events
}

// New creates a browser recognizer. It reports unavailable until the browser
// announces support with SetAvailable.
func New(out Sender, language string) *Recognizer {
	return &Recognizer{out: out, language: language}
}

// Name returns the backend identifier.
func (r *Recognizer) Name() string { return "browser" }

// SetAvailable records whether the browser exposes speech recognition.
func (r *Recognizer) SetAvailable(ok bool) { r.supports.Store(ok) }

// Available implements capture.Recognizer.
func (r *Recognizer) Available() bool { return r.supports.Load() }

// Start asks the browser to listen for a single utterance.
func (r *Recognizer) Start(_ context.Context, ev capture.Events) error {
	if !r.Available() {
		return ErrUnsupported
	}
	r.mu.Lock()
	r.ev = ev
	r.mu.Unlock()

	if err := r.out.Send(Command{Type: "capture.start", Language: r.language}); err != nil {
		r.detach()
		return fmt.Errorf("sending capture.start: %w", err)
	}
	return nil
}

// Stop asks the browser to stop listening and drops any late events.
func (r *Recognizer) Stop() error {
	r.detach()
	if err := r.out.Send(Command{Type: "capture.stop"}); err != nil {
		return fmt.Errorf("sending capture.stop: %w", err)
	}
	return nil
}

// HandleStarted relays the browser's onstart.
func (r *Recognizer) HandleStarted() {
	if ev := r.current(); ev != nil {
		ev.OnStarted()
	}
}

// HandleResult relays the final transcript of the first result. A blank
// transcript is relayed as is and treated like silence downstream.
func (r *Recognizer) HandleResult(text string) {
	ev := r.current()
	if ev == nil {
		slog.Debug("dropping late capture result")
		return
	}
	ev.OnTranscript(strings.TrimSpace(text))
}

// HandleError relays the browser's onerror reason.
func (r *Recognizer) HandleError(reason string) {
	if reason == "" {
		reason = capture.ReasonAborted
	}
	if ev := r.current(); ev != nil {
		ev.OnError(&capture.Error{Reason: reason})
	}
}

// HandleEnded relays the browser's onend and detaches.
func (r *Recognizer) HandleEnded() {
	r.mu.Lock()
	ev := r.ev
	r.ev = nil
	r.mu.Unlock()
	if ev != nil {
		ev.OnEnded()
	}
}

func (r *Recognizer) current() capture.Events {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ev
}

func (r *Recognizer) detach() {
	r.mu.Lock()
	r.ev = nil
	r.mu.Unlock()
}
