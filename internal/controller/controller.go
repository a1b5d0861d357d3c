// Package controller implements the interaction controller: the state
// machine that owns one session's transcript and coordinates speech capture,
// chat streaming and speech playback so that at most one of them is active.
//
// All state lives on the goroutine running Run. Intents and adapter
// callbacks are posted to an unbounded FIFO mailbox and executed there in
// order. Every adapter operation is tagged with an operation id; callbacks
// from an operation that is no longer current are dropped.
//
// Views are coalesced: a state change is published at once, while transcript
// updates are published once per drained batch of work.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nadzzz/voicechat/internal/capture"
	"github.com/nadzzz/voicechat/internal/chat"
	"github.com/nadzzz/voicechat/internal/playback"
	"github.com/nadzzz/voicechat/internal/transcript"
)

// Controller drives one session.
type Controller struct {
	chat     chat.Client
	capture  capture.Recognizer
	speaker  playback.Speaker
	observer Observer
	metrics  Metrics
	log      *slog.Logger
	timeout  time.Duration
	now      func() time.Time

	mb      *mailbox
	done    chan struct{}
	running atomic.Bool

	// Owned by the Run goroutine.
	ctx          context.Context
	state        State
	tr           *transcript.Transcript
	op           uint64
	stream       chat.Stream
	streamCancel context.CancelFunc
	streamStart  time.Time
	shouldSpeak  bool
	finishing    bool
	dirty        bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics installs a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithLogger sets the controller's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithStreamTimeout bounds every completion stream. Zero means unbounded.
func WithStreamTimeout(d time.Duration) Option {
	return func(c *Controller) { c.timeout = d }
}

// WithTranscript replaces the empty transcript the controller starts with.
func WithTranscript(t *transcript.Transcript) Option {
	return func(c *Controller) { c.tr = t }
}

// WithClock overrides the time source used for notices and stream timing.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a controller in the idle state with an empty transcript.
func New(client chat.Client, rec capture.Recognizer, spk playback.Speaker, obs Observer, opts ...Option) *Controller {
	c := &Controller{
		chat:     client,
		capture:  rec,
		speaker:  spk,
		observer: obs,
		metrics:  nopMetrics{},
		log:      slog.Default(),
		now:      time.Now,
		mb:       newMailbox(),
		done:     make(chan struct{}),
		ctx:      context.Background(),
		state:    Idle,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tr == nil {
		c.tr = transcript.New(transcript.WithClock(c.now))
	}
	return c
}

// Run executes posted work until ctx is done, then tears down whatever
// adapter operation is active. It may be called once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("controller: already running")
	}
	defer close(c.done)

	c.ctx = ctx
	c.publish()
	c.flush()
	for {
		select {
		case <-ctx.Done():
			c.mb.close()
			c.teardown()
			return nil
		case <-c.mb.signal:
			for _, fn := range c.mb.drain() {
				fn()
			}
			c.flush()
		}
	}
}

// Done is closed when Run returns.
func (c *Controller) Done() <-chan struct{} { return c.done }

// SubmitText adds a typed user turn and requests a reply. The reply is not
// spoken.
func (c *Controller) SubmitText(ctx context.Context, text string) error {
	return c.call(ctx, func() error { return c.submitText(text) })
}

// ToggleVoice starts or stops voice input. While a reply is being spoken it
// interrupts playback and starts listening.
func (c *Controller) ToggleVoice(ctx context.Context) error {
	return c.call(ctx, c.toggleVoice)
}

// State returns the current interaction state. Work posted before the call
// has been processed when it returns.
func (c *Controller) State(ctx context.Context) (State, error) {
	var s State
	err := c.call(ctx, func() error {
		s = c.state
		return nil
	})
	return s, err
}

// call runs fn on the controller goroutine and waits for its verdict.
func (c *Controller) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	if !c.mb.post(func() {
		err := fn()
		c.flush()
		reply <- err
	}) {
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) submitText(text string) error {
	if strings.TrimSpace(text) == "" {
		return transcript.ErrEmptyInput
	}
	switch c.state {
	case Capturing, Streaming:
		return ErrBusy
	case Speaking:
		c.cancelPlayback()
	}
	return c.beginExchange(text, false)
}

func (c *Controller) toggleVoice() error {
	switch c.state {
	case Idle:
		c.startCapture()
	case Capturing:
		if c.finishCapture() {
			return nil
		}
		c.stopCapture()
		c.setState(Idle)
	case Streaming:
		return ErrBusy
	case Speaking:
		c.cancelPlayback()
		c.startCapture()
	}
	return nil
}

// beginExchange records the user turn, opens the assistant turn and starts
// the completion stream.
func (c *Controller) beginExchange(text string, speak bool) error {
	if _, err := c.tr.AppendUser(text); err != nil {
		return err
	}
	if _, err := c.tr.BeginAssistant(); err != nil {
		panic(fmt.Sprintf("controller: %v", err))
	}

	id := c.nextOp()
	ctx, cancel := c.ctx, context.CancelFunc(func() {})
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(c.ctx, c.timeout)
	}
	c.shouldSpeak = speak
	c.streamCancel = cancel
	c.streamStart = c.now()
	c.stream = c.chat.StreamChat(ctx, c.tr.Messages(), streamEvents{c: c, op: id})
	c.setState(Streaming)
	return nil
}

func (c *Controller) onDelta(op uint64, text string) {
	if !c.current(op, Streaming) {
		return
	}
	if err := c.tr.AppendAssistantChunk(text); err != nil {
		panic(fmt.Sprintf("controller: %v", err))
	}
	c.metrics.Chunk()
	c.publish()
}

func (c *Controller) onStreamDone(op uint64) {
	if !c.current(op, Streaming) {
		return
	}
	reply := c.finishStream("done")
	if c.shouldSpeak && strings.TrimSpace(reply) != "" {
		c.startPlayback(reply)
		return
	}
	c.setState(Idle)
}

func (c *Controller) onStreamError(op uint64, err error) {
	if !c.current(op, Streaming) {
		return
	}
	c.finishStream("error")
	c.setState(Idle)
	c.notify(NoticeStreamFailed, &StreamError{Err: err})
}

// finishStream closes the assistant turn and returns its final text.
func (c *Controller) finishStream(outcome string) string {
	c.streamCancel()
	c.metrics.StreamFinished(outcome, c.now().Sub(c.streamStart))
	c.stream, c.streamCancel = nil, nil

	var reply string
	if turn, ok := c.tr.OpenTurn(); ok {
		reply = turn.Text
	}
	c.tr.CloseAssistant()
	return reply
}

func (c *Controller) startCapture() {
	fallback := func(kind NoticeKind, err error) {
		c.setState(Idle)
		c.notify(kind, err)
	}
	if !c.capture.Available() {
		fallback(NoticeCaptureUnavailable, ErrCaptureUnavailable)
		return
	}
	id := c.nextOp()
	if err := c.capture.Start(c.ctx, captureEvents{c: c, op: id}); err != nil {
		c.nextOp()
		fallback(NoticeCaptureFailed, &CaptureFailedError{Err: err})
		return
	}
	c.setState(Capturing)
}

// finishCapture asks a recognizer that transcribes after recording to end
// the utterance and keep it. The controller stays capturing until the
// transcript arrives. A second toggle while finishing discards the utterance.
func (c *Controller) finishCapture() bool {
	f, ok := c.capture.(capture.Finisher)
	if !ok || c.finishing {
		return false
	}
	if err := f.Finish(); err != nil {
		c.log.Warn("failed to finish capture", "backend", c.capture.Name(), "error", err)
		return false
	}
	c.finishing = true
	return true
}

func (c *Controller) stopCapture() {
	c.nextOp()
	if err := c.capture.Stop(); err != nil {
		c.log.Warn("failed to stop capture", "backend", c.capture.Name(), "error", err)
	}
}

func (c *Controller) onCaptureTranscript(op uint64, text string) {
	if !c.current(op, Capturing) {
		return
	}
	if strings.TrimSpace(text) == "" {
		c.nextOp()
		c.setState(Idle)
		return
	}
	if err := c.beginExchange(text, true); err != nil {
		panic(fmt.Sprintf("controller: %v", err))
	}
}

func (c *Controller) onCaptureError(op uint64, err error) {
	if !c.current(op, Capturing) {
		return
	}
	c.nextOp()
	c.setState(Idle)
	if errors.Is(err, capture.ErrNoSpeech) {
		c.log.Debug("no speech detected")
		return
	}
	c.notify(NoticeCaptureFailed, &CaptureFailedError{Err: err})
}

// onCaptureEnded handles a capture that ended without a result.
func (c *Controller) onCaptureEnded(op uint64) {
	if !c.current(op, Capturing) {
		return
	}
	c.nextOp()
	c.setState(Idle)
}

func (c *Controller) startPlayback(text string) {
	id := c.nextOp()
	if err := c.speaker.Speak(c.ctx, text, playbackEvents{c: c, op: id}); err != nil {
		c.nextOp()
		c.setState(Idle)
		c.notify(NoticePlaybackFailed, &PlaybackFailedError{Err: err})
		return
	}
	c.setState(Speaking)
}

func (c *Controller) cancelPlayback() {
	c.nextOp()
	c.speaker.Cancel()
}

func (c *Controller) onPlaybackEnded(op uint64) {
	if !c.current(op, Speaking) {
		return
	}
	c.nextOp()
	c.setState(Idle)
}

func (c *Controller) onPlaybackError(op uint64, err error) {
	if !c.current(op, Speaking) {
		return
	}
	c.nextOp()
	c.setState(Idle)
	c.notify(NoticePlaybackFailed, &PlaybackFailedError{Err: err})
}

// teardown stops the active adapter operation when the session ends.
func (c *Controller) teardown() {
	switch c.state {
	case Capturing:
		_ = c.capture.Stop()
	case Streaming:
		c.stream.Cancel()
		c.finishStream("cancelled")
	case Speaking:
		c.speaker.Cancel()
	}
	c.nextOp()
	c.log.Debug("controller stopped", "state", c.state, "turns", c.tr.Len())
}

func (c *Controller) nextOp() uint64 {
	c.op++
	return c.op
}

func (c *Controller) current(op uint64, want State) bool {
	return op == c.op && c.state == want
}

func (c *Controller) setState(s State) {
	c.finishing = false
	c.publish()
	if s == c.state {
		return
	}
	c.metrics.Transition(c.state, s)
	c.log.Debug("state transition", "from", c.state, "to", s)
	c.state = s
	c.flush()
}

// publish marks the view as changed. It reaches the observer on the next flush.
func (c *Controller) publish() { c.dirty = true }

func (c *Controller) flush() {
	if !c.dirty {
		return
	}
	c.dirty = false
	c.observer.OnView(View{State: c.state, Turns: slices.Collect(c.tr.Snapshot())})
}

func (c *Controller) notify(kind NoticeKind, err error) {
	n := Notice{Kind: kind, Message: noticeMessage(kind, err), Err: err, At: c.now()}
	c.metrics.Notice(kind)
	c.log.Info("notice", "kind", kind, "error", err)
	c.flush()
	c.observer.OnNotice(n)
}

// post runs fn on the controller goroutine. Work posted after Run has
// returned is dropped.
func (c *Controller) post(fn func()) { c.mb.post(fn) }

type streamEvents struct {
	c  *Controller
	op uint64
}

func (e streamEvents) OnDelta(text string) { e.c.post(func() { e.c.onDelta(e.op, text) }) }
func (e streamEvents) OnDone()             { e.c.post(func() { e.c.onStreamDone(e.op) }) }
func (e streamEvents) OnError(err error)   { e.c.post(func() { e.c.onStreamError(e.op, err) }) }

type captureEvents struct {
	c  *Controller
	op uint64
}

func (e captureEvents) OnStarted() {}
func (e captureEvents) OnTranscript(text string) {
	e.c.post(func() { e.c.onCaptureTranscript(e.op, text) })
}
func (e captureEvents) OnError(err error) { e.c.post(func() { e.c.onCaptureError(e.op, err) }) }
func (e captureEvents) OnEnded()          { e.c.post(func() { e.c.onCaptureEnded(e.op) }) }

type playbackEvents struct {
	c  *Controller
	op uint64
}

func (e playbackEvents) OnEnded()          { e.c.post(func() { e.c.onPlaybackEnded(e.op) }) }
func (e playbackEvents) OnError(err error) { e.c.post(func() { e.c.onPlaybackError(e.op, err) }) }
