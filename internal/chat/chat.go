// Package chat defines the streaming chat-completion contract consumed by the
// interaction controller.
//
// A stream delivers zero or more deltas followed by exactly one terminal
// event (done or error). Once the terminal event has fired, or once the
// stream has been cancelled, nothing else is delivered. Backends only produce
// fragments; Start enforces the delivery guarantees for all of them.
package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/nadzzz/voicechat/internal/transcript"
)

// Message is one entry of the conversation history sent to the backend.
type Message = transcript.Message

// Handler receives stream events. Calls are made from a single goroutine in
// delivery order.
type Handler interface {
	OnDelta(text string)
	OnDone()
	OnError(err error)
}

// Stream is a handle on an in-flight completion.
type Stream interface {
	// Cancel stops the stream. No further events are delivered afterwards.
	Cancel()
}

// Client opens completion streams.
type Client interface {
	// Name returns the backend identifier (e.g., "openai", "ollama").
	Name() string

	// StreamChat starts a completion for the ordered history, newest user
	// turn last. It never blocks on the network.
	StreamChat(ctx context.Context, history []Message, h Handler) Stream
}

// ErrEmptyHistory is reported when a stream is started with no messages.
var ErrEmptyHistory = errors.New("chat: empty history")

// Producer generates fragments for a stream. It calls emit for every fragment
// in order and returns nil on a clean end of stream.
type Producer func(ctx context.Context, emit func(text string)) error

// Start runs p on its own goroutine and relays its output to h with the
// stream guarantees applied.
func Start(ctx context.Context, h Handler, p Producer) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &guardedStream{h: h, cancel: cancel}
	go s.run(ctx, p)
	return s
}

type guardedStream struct {
	h      Handler
	cancel context.CancelFunc

	mu       sync.Mutex
	finished bool
}

func (s *guardedStream) run(ctx context.Context, p Producer) {
	err := p(ctx, func(text string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.finished || text == "" {
			return
		}
		s.h.OnDelta(text)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.cancel()
	if s.finished {
		return
	}
	s.finished = true

	// The stream's own cancel has not run yet, so a done context here means
	// the caller's context was cancelled: the stream was abandoned.
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return
	}
	if err != nil {
		s.h.OnError(err)
		return
	}
	s.h.OnDone()
}

// Cancel implements Stream.
func (s *guardedStream) Cancel() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.cancel()
}
