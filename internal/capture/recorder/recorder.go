// Package recorder implements capture.Recognizer by recording microphone
// audio in the browser and transcribing it on the server.
//
// Start asks the client to begin a MediaRecorder session. The session feeds
// binary audio frames to Write and calls AudioEnd when the client stops
// recording, at which point the buffered utterance is handed to the
// configured Transcriber.
package recorder

import (
	"bytes"
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

var (
	// ErrUnsupported is returned by Start when the client cannot record audio.
	ErrUnsupported = errors.New("audio recording is not supported in this browser")

	// ErrTooLarge is reported when an utterance exceeds the configured size.
	ErrTooLarge = errors.New("recorded audio exceeds size limit")

	// ErrNotRecording is returned by Finish when no utterance is in progress.
	ErrNotRecording = errors.New("no utterance is being recorded")
)

// Command is the frame sent to the browser.
type Command struct {
	Type     string `json:"type"`
	Language string `json:"language,omitempty"`
}

// Recorder buffers client audio and transcribes it server-side.
type Recorder struct {
	out      Sender
	tr       capture.Transcriber
	language string
	maxBytes int
	supports atomic.Bool

	mu        sync.Mutex
	gen       uint64
	ev        capture.Events
	buf       bytes.Buffer
	recording bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a recorder that transcribes with tr. maxBytes bounds a single
// utterance; zero means unbounded.
func New(out Sender, tr capture.Transcriber, language string, maxBytes int) *Recorder {
	return &Recorder{out: out, tr: tr, language: language, maxBytes: maxBytes}
}

// Name returns the transcriber's identifier.
func (r *Recorder) Name() string { return r.tr.Name() }

// SetAvailable records whether the client can record audio.
func (r *Recorder) SetAvailable(ok bool) { r.supports.Store(ok) }

// Available implements capture.Recognizer.
func (r *Recorder) Available() bool { return r.tr != nil && r.supports.Load() }

// Start asks the client to record one utterance.
func (r *Recorder) Start(ctx context.Context, ev capture.Events) error {
	if !r.Available() {
		return ErrUnsupported
	}

	r.mu.Lock()
	r.reset()
	r.gen++
	r.ev = ev
	r.recording = true
	r.ctx, r.cancel = context.WithCancel(ctx)
	gen := r.gen
	r.mu.Unlock()

	if err := r.out.Send(Command{Type: "record.start", Language: r.language}); err != nil {
		r.mu.Lock()
		if r.gen == gen {
			r.reset()
		}
		r.mu.Unlock()
		return fmt.Errorf("sending record.start: %w", err)
	}
	return nil
}

// Stop abandons the current utterance, including a pending transcription.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	r.gen++
	r.reset()
	r.mu.Unlock()

	if err := r.out.Send(Command{Type: "record.stop"}); err != nil {
		return fmt.Errorf("sending record.stop: %w", err)
	}
	return nil
}

// Finish asks the client to stop recording and keeps the utterance. Frames
// still in flight and the following AudioEnd complete it as usual.
func (r *Recorder) Finish() error {
	r.mu.Lock()
	active, recording := r.ev != nil, r.recording
	r.mu.Unlock()
	if !active {
		return ErrNotRecording
	}
	if !recording {
		// Already transcribing.
		return nil
	}
	if err := r.out.Send(Command{Type: "record.stop"}); err != nil {
		return fmt.Errorf("sending record.stop: %w", err)
	}
	return nil
}

// HandleStarted relays the client's recording start.
func (r *Recorder) HandleStarted() {
	r.mu.Lock()
	ev := r.ev
	r.mu.Unlock()
	if ev != nil {
		ev.OnStarted()
	}
}

// HandleError relays a client-side failure such as a denied microphone.
func (r *Recorder) HandleError(reason string) {
	if reason == "" {
		reason = capture.ReasonAudioCapture
	}
	r.fail(&capture.Error{Reason: reason})
}

// Write appends an audio frame to the current utterance. Frames arriving
// while no utterance is being recorded are dropped.
func (r *Recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return len(p), nil
	}
	if r.maxBytes > 0 && r.buf.Len()+len(p) > r.maxBytes {
		r.mu.Unlock()
		r.fail(&capture.Error{Reason: capture.ReasonAudioCapture, Err: ErrTooLarge})
		_ = r.out.Send(Command{Type: "record.stop"})
		return 0, ErrTooLarge
	}
	n, err := r.buf.Write(p)
	r.mu.Unlock()
	return n, err
}

// AudioEnd finishes the utterance and transcribes it in the background.
func (r *Recorder) AudioEnd(contentType string) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return
	}
	r.recording = false
	audio := bytes.Clone(r.buf.Bytes())
	r.buf.Reset()
	gen := r.gen
	ctx := r.ctx
	r.mu.Unlock()

	if len(audio) == 0 {
		r.finish(gen, "", capture.ErrNoSpeech)
		return
	}

	go func() {
		text, err := r.tr.Transcribe(ctx, audio, contentType, r.language)
		if err != nil && ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Warn("transcription failed", "backend", r.tr.Name(), "error", err)
			err = &capture.Error{Reason: capture.ReasonNetwork, Err: err}
		} else if strings.TrimSpace(text) == "" {
			err = capture.ErrNoSpeech
		}
		r.finish(gen, text, err)
	}()
}

// finish delivers the outcome of utterance gen unless it was superseded.
func (r *Recorder) finish(gen uint64, text string, err error) {
	r.mu.Lock()
	if r.gen != gen || r.ev == nil {
		r.mu.Unlock()
		return
	}
	ev := r.ev
	r.reset()
	r.mu.Unlock()

	if err != nil {
		ev.OnError(err)
	} else {
		ev.OnTranscript(text)
	}
	ev.OnEnded()
}

func (r *Recorder) fail(err error) {
	r.mu.Lock()
	ev := r.ev
	r.gen++
	r.reset()
	r.mu.Unlock()
	if ev == nil {
		return
	}
	ev.OnError(err)
	ev.OnEnded()
}

// reset clears the utterance state. Callers hold r.mu.
func (r *Recorder) reset() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.ev = nil
	r.recording = false
	r.buf.Reset()
}
