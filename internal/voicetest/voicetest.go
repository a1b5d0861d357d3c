// Package voicetest provides scriptable fakes of the chat, capture and
// playback adapters plus a recording observer, for driving the interaction
// controller deterministically in tests.
package voicetest

import (
	"context"
	"sync"

	"github.com/nadzzz/voicechat/internal/capture"
	"github.com/nadzzz/voicechat/internal/chat"
	"github.com/nadzzz/voicechat/internal/controller"
	"github.com/nadzzz/voicechat/internal/playback"
)

// ChatClient is a chat.Client whose streams are driven by the test.
type ChatClient struct {
	mu      sync.Mutex
	streams []*Stream
}

// Name implements chat.Client.
func (c *ChatClient) Name() string { return "fake" }

// StreamChat records the request and returns a stream the test controls.
func (c *ChatClient) StreamChat(_ context.Context, history []chat.Message, h chat.Handler) chat.Stream {
	s := &Stream{History: history, h: h}
	c.mu.Lock()
	c.streams = append(c.streams, s)
	c.mu.Unlock()
	return s
}

// Streams returns every stream opened so far.
func (c *ChatClient) Streams() []*Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Stream(nil), c.streams...)
}

// Last returns the most recent stream, or nil.
func (c *ChatClient) Last() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) == 0 {
		return nil
	}
	return c.streams[len(c.streams)-1]
}

// Stream is a fake completion stream. It applies the same delivery rules as
// a real one: nothing after the terminal event or after Cancel.
type Stream struct {
	History []chat.Message

	mu        sync.Mutex
	h         chat.Handler
	finished  bool
	cancelled bool
}

// Delta delivers a fragment.
func (s *Stream) Delta(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		s.h.OnDelta(text)
	}
}

// Done ends the stream successfully.
func (s *Stream) Done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		s.finished = true
		s.h.OnDone()
	}
}

// Fail ends the stream with err.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		s.finished = true
		s.h.OnError(err)
	}
}

// Cancel implements chat.Stream.
func (s *Stream) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	s.cancelled = true
}

// Cancelled reports whether the controller cancelled the stream.
func (s *Stream) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Active reports whether the stream can still deliver events.
func (s *Stream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.finished
}

// Recognizer is a capture.Recognizer driven by the test. It keeps delivering
// to the last Start's events even after Stop, so tests can check that the
// controller ignores stale callbacks.
type Recognizer struct {
	mu       sync.Mutex
	avail    bool
	startErr error
	ev       capture.Events
	starts   int
	stops    int
	finishes int
}

// NewRecognizer returns an available recognizer.
func NewRecognizer() *Recognizer { return &Recognizer{avail: true} }

// SetAvailable toggles availability.
func (r *Recognizer) SetAvailable(ok bool) {
	r.mu.Lock()
	r.avail = ok
	r.mu.Unlock()
}

// FailStart makes the next Start calls return err.
func (r *Recognizer) FailStart(err error) {
	r.mu.Lock()
	r.startErr = err
	r.mu.Unlock()
}

// Name implements capture.Recognizer.
func (r *Recognizer) Name() string { return "fake" }

// Available implements capture.Recognizer.
func (r *Recognizer) Available() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.avail
}

// Start implements capture.Recognizer.
func (r *Recognizer) Start(_ context.Context, ev capture.Events) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.starts++
	r.ev = ev
	return nil
}

// Stop implements capture.Recognizer.
func (r *Recognizer) Stop() error {
	r.mu.Lock()
	r.stops++
	r.mu.Unlock()
	return nil
}

// Counts returns how many times Start and Stop succeeded.
func (r *Recognizer) Counts() (starts, stops int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.stops
}

// FinishingRecognizer is a Recognizer that also implements capture.Finisher,
// like the server-side recorders.
type FinishingRecognizer struct {
	*Recognizer
}

// NewFinishingRecognizer returns an available finishing recognizer.
func NewFinishingRecognizer() FinishingRecognizer {
	return FinishingRecognizer{Recognizer: NewRecognizer()}
}

// Finish implements capture.Finisher.
func (r FinishingRecognizer) Finish() error {
	r.mu.Lock()
	r.finishes++
	r.mu.Unlock()
	return nil
}

// Finishes returns how many times Finish was called.
func (r *Recognizer) Finishes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishes
}

// Transcript delivers a final transcript followed by the end event.
func (r *Recognizer) Transcript(text string) {
	if ev := r.events(); ev != nil {
		ev.OnTranscript(text)
		ev.OnEnded()
	}
}

// Fail delivers err followed by the end event.
func (r *Recognizer) Fail(err error) {
	if ev := r.events(); ev != nil {
		ev.OnError(err)
		ev.OnEnded()
	}
}

// End delivers only the end event.
func (r *Recognizer) End() {
	if ev := r.events(); ev != nil {
		ev.OnEnded()
	}
}

func (r *Recognizer) events() capture.Events {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ev
}

// Speaker is a playback.Speaker driven by the test. Like Recognizer it keeps
// the last events after Cancel.
type Speaker struct {
	mu       sync.Mutex
	speakErr error
	ev       playback.Events
	spoken   []string
	cancels  int
}

// Name implements playback.Speaker.
func (s *Speaker) Name() string { return "fake" }

// FailSpeak makes subsequent Speak calls return err.
func (s *Speaker) FailSpeak(err error) {
	s.mu.Lock()
	s.speakErr = err
	s.mu.Unlock()
}

// Speak implements playback.Speaker.
func (s *Speaker) Speak(_ context.Context, text string, ev playback.Events) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.speakErr != nil {
		return s.speakErr
	}
	s.spoken = append(s.spoken, text)
	s.ev = ev
	return nil
}

// Cancel implements playback.Speaker.
func (s *Speaker) Cancel() {
	s.mu.Lock()
	s.cancels++
	s.mu.Unlock()
}

// Spoken returns every text passed to Speak.
func (s *Speaker) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

// Cancels returns how many times Cancel was called.
func (s *Speaker) Cancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

// End reports the end of the last utterance.
func (s *Speaker) End() {
	s.mu.Lock()
	ev := s.ev
	s.mu.Unlock()
	if ev != nil {
		ev.OnEnded()
	}
}

// Fail reports a playback failure of the last utterance.
func (s *Speaker) Fail(err error) {
	s.mu.Lock()
	ev := s.ev
	s.mu.Unlock()
	if ev != nil {
		ev.OnError(err)
	}
}

// Observer records published views and notices.
type Observer struct {
	mu      sync.Mutex
	views   []controller.View
	notices []controller.Notice
}

// OnView implements controller.Observer.
func (o *Observer) OnView(v controller.View) {
	o.mu.Lock()
	o.views = append(o.views, v)
	o.mu.Unlock()
}

// OnNotice implements controller.Observer.
func (o *Observer) OnNotice(n controller.Notice) {
	o.mu.Lock()
	o.notices = append(o.notices, n)
	o.mu.Unlock()
}

// Last returns the most recent view.
func (o *Observer) Last() controller.View {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.views) == 0 {
		return controller.View{}
	}
	return o.views[len(o.views)-1]
}

// States returns the sequence of distinct published states.
func (o *Observer) States() []controller.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []controller.State
	for _, v := range o.views {
		if len(out) == 0 || out[len(out)-1] != v.State {
			out = append(out, v.State)
		}
	}
	return out
}

// Notices returns every notice published so far.
func (o *Observer) Notices() []controller.Notice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]controller.Notice(nil), o.notices...)
}
