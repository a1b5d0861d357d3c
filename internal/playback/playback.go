// Package playback defines the speech playback adapter contract.
//
// A Speaker voices one finished assistant reply at a time and reports when
// it ends. Backends that cannot observe the real end of speech estimate it
// from the text length (see Estimate).
package playback

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"
)

// Events receives playback callbacks. Implementations must not block.
type Events interface {
	OnEnded()
	OnError(err error)
}

// Speaker is a speech playback adapter.
type Speaker interface {
	// Name returns the backend identifier (e.g., "browser", "piper").
	Name() string

	// Speak starts voicing text. The end of speech is reported to ev
	// exactly once unless Cancel is called first.
	Speak(ctx context.Context, text string, ev Events) error

	// Cancel stops the current utterance. No further events are delivered
	// for it.
	Cancel()
}

// Estimate approximates how long text takes to speak at perChar per
// character.
func Estimate(text string, perChar time.Duration) time.Duration {
	return time.Duration(utf8.RuneCountInString(text)) * perChar
}

// Tracker follows the single in-flight utterance of a Speaker and makes sure
// its end is delivered at most once, whichever of the client event, the
// fallback timer or a failure comes first.
type Tracker struct {
	mu    sync.Mutex
	id    uint64
	ev    Events
	timer *time.Timer
}

// Begin starts tracking a new utterance, abandoning the previous one.
func (t *Tracker) Begin(ev Events) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clear()
	t.id++
	t.ev = ev
	return t.id
}

// Arm ends utterance id after d unless it ends earlier.
func (t *Tracker) Arm(id uint64, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.id != id || t.ev == nil {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, func() { t.End(id) })
}

// End reports the end of utterance id. Stale or repeated ends are ignored.
func (t *Tracker) End(id uint64) {
	if ev := t.take(id); ev != nil {
		ev.OnEnded()
	}
}

// Fail reports that utterance id could not be voiced.
func (t *Tracker) Fail(id uint64, err error) {
	if ev := t.take(id); ev != nil {
		ev.OnError(err)
	}
}

// Current returns the id of the utterance in flight, or 0.
func (t *Tracker) Current() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ev == nil {
		return 0
	}
	return t.id
}

// Cancel abandons the utterance in flight without reporting it.
func (t *Tracker) Cancel() {
	t.mu.Lock()
	t.clear()
	t.mu.Unlock()
}

func (t *Tracker) take(id uint64) Events {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.id != id || t.ev == nil {
		return nil
	}
	ev := t.ev
	t.clear()
	return ev
}

func (t *Tracker) clear() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.ev = nil
}
