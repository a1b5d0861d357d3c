// Package session binds one browser WebSocket connection to one interaction
// controller.
//
// A session owns the connection's read and write pumps, builds the capture
// and playback adapters for the configured backends (relaying to the
// browser where needed), feeds user intents to the controller and pushes
// every published view and notice back to the browser. The transcript lives
// exactly as long as the connection.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nadzzz/voicechat/internal/capture"
	capturebrowser "github.com/nadzzz/voicechat/internal/capture/browser"
	"github.com/nadzzz/voicechat/internal/capture/recorder"
	"github.com/nadzzz/voicechat/internal/chat"
	"github.com/nadzzz/voicechat/internal/controller"
	"github.com/nadzzz/voicechat/internal/metrics"
	"github.com/nadzzz/voicechat/internal/playback"
	playbackbrowser "github.com/nadzzz/voicechat/internal/playback/browser"
	"github.com/nadzzz/voicechat/internal/playback/piper"
	"github.com/nadzzz/voicechat/internal/transcript"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxTextFrame   = 64 << 10
	maxBinaryFrame = 1 << 20
)

var (
	// ErrClosed is returned by Send once the session has ended.
	ErrClosed = errors.New("session closed")

	// ErrSlowConsumer ends a session whose browser cannot keep up with
	// outbound frames.
	ErrSlowConsumer = errors.New("session outbound buffer full")
)

// Config tunes a session.
type Config struct {
	Language         string
	PerChar          time.Duration
	MaxAudioBytes    int
	IntentsPerSecond float64
	IntentBurst      int
	OutboundBuffer   int
	StreamTimeout    time.Duration
}

// Backends are the shared adapters sessions are built from. A nil
// Transcriber selects browser speech recognition; a nil Synthesizer selects
// browser speech synthesis.
type Backends struct {
	Chat        chat.Client
	Transcriber capture.Transcriber
	Synthesizer *piper.Synthesizer
}

// Session is one connected browser.
type Session struct {
	id      string
	conn    *websocket.Conn
	log     *slog.Logger
	limiter *rate.Limiter
	metrics *metrics.Collector

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	failMu    sync.Mutex
	failErr   error
	cancel    context.CancelFunc

	ctrl     *controller.Controller
	backends [2]string

	// Exactly one of each pair is set.
	recognizer *capturebrowser.Recognizer
	recorder   *recorder.Recorder
	voice      *playbackbrowser.Speaker
	piper      *piper.Speaker
}

// New wires a session around an upgraded connection. m may be nil.
func New(conn *websocket.Conn, cfg Config, b Backends, m *metrics.Collector) *Session {
	s := &Session{
		id:      uuid.NewString(),
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(cfg.IntentsPerSecond), cfg.IntentBurst),
		metrics: m,
		out:     make(chan []byte, cfg.OutboundBuffer),
		done:    make(chan struct{}),
	}
	s.log = slog.With("session_id", s.id)

	var rec capture.Recognizer
	if b.Transcriber != nil {
		s.recorder = recorder.New(s, b.Transcriber, cfg.Language, cfg.MaxAudioBytes)
		rec = s.recorder
	} else {
		s.recognizer = capturebrowser.New(s, cfg.Language)
		rec = s.recognizer
	}

	var spk playback.Speaker
	if b.Synthesizer != nil {
		s.piper = piper.NewSpeaker(b.Synthesizer, s, cfg.Language)
		spk = s.piper
	} else {
		s.voice = playbackbrowser.New(s, cfg.Language, cfg.PerChar)
		spk = s.voice
	}

	opts := []controller.Option{
		controller.WithLogger(s.log),
		controller.WithStreamTimeout(cfg.StreamTimeout),
	}
	if m != nil {
		opts = append(opts, controller.WithMetrics(m))
	}
	s.ctrl = controller.New(b.Chat, rec, spk, s, opts...)
	s.backends = [2]string{rec.Name(), spk.Name()}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Serve runs the session until the browser disconnects or ctx is cancelled.
// It closes the connection before returning.
func (s *Session) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer s.close()

	if s.metrics != nil {
		s.metrics.SessionOpened()
		defer s.metrics.SessionClosed()
	}
	s.log.Info("session started",
		"remote", s.conn.RemoteAddr().String(),
		"capture", s.backends[0],
		"playback", s.backends[1])

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.ctrl.Run(ctx) })
	g.Go(func() error {
		defer cancel()
		return s.readPump(ctx)
	})
	g.Go(func() error { return s.writePump(ctx) })

	err := g.Wait()
	if ferr := s.failure(); ferr != nil {
		err = ferr
	}
	s.log.Info("session ended", "error", err)
	return err
}

// Send queues a JSON frame for the browser. It never blocks.
func (s *Session) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %T: %w", msg, err)
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.out <- data:
		return nil
	default:
		s.fail(ErrSlowConsumer)
		return ErrSlowConsumer
	}
}

// OnView implements controller.Observer.
func (s *Session) OnView(v controller.View) {
	turns := v.Turns
	if turns == nil {
		turns = []transcript.Turn{}
	}
	_ = s.Send(viewFrame{Type: "view", State: v.State, Turns: turns})
}

// OnNotice implements controller.Observer.
func (s *Session) OnNotice(n controller.Notice) {
	_ = s.Send(noticeFrame{Type: "notice", Kind: n.Kind, Message: n.Message})
}

func (s *Session) readPump(ctx context.Context) error {
	s.conn.SetReadLimit(maxBinaryFrame)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}

		switch mt {
		case websocket.BinaryMessage:
			s.handleAudio(data)
		case websocket.TextMessage:
			if len(data) > maxTextFrame {
				s.log.Warn("dropping oversized frame", "bytes", len(data))
				continue
			}
			var msg inbound
			if err := json.Unmarshal(data, &msg); err != nil {
				s.log.Debug("dropping malformed frame", "error", err)
				continue
			}
			s.handle(ctx, msg)
		}
	}
}

func (s *Session) writePump(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return nil
		case data := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return fmt.Errorf("writing frame: %w", err)
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("writing ping: %w", err)
			}
		}
	}
}

func (s *Session) handle(ctx context.Context, msg inbound) {
	switch msg.Type {
	case typeHello:
		c := msg.Capabilities
		if s.recognizer != nil {
			s.recognizer.SetAvailable(c.SpeechRecognition)
		}
		if s.recorder != nil {
			s.recorder.SetAvailable(c.MediaRecorder)
		}
		if s.voice != nil {
			s.voice.SetCapabilities(c.SpeechSynthesis, c.SynthesisEndEvents)
		}
		s.log.Debug("client capabilities", "capabilities", c)

	case typeSubmitText:
		s.intent(msg.Type, func() error { return s.ctrl.SubmitText(ctx, msg.Text) })
	case typeToggleVoice:
		s.intent(msg.Type, func() error { return s.ctrl.ToggleVoice(ctx) })

	case typeCaptureStarted:
		if s.recognizer != nil {
			s.recognizer.HandleStarted()
		} else {
			s.recorder.HandleStarted()
		}
	case typeCaptureResult:
		if s.recognizer != nil {
			s.recognizer.HandleResult(msg.Text)
		}
	case typeCaptureError:
		if s.recognizer != nil {
			s.recognizer.HandleError(msg.Reason)
		} else {
			s.recorder.HandleError(msg.Reason)
		}
	case typeCaptureEnded:
		if s.recognizer != nil {
			s.recognizer.HandleEnded()
		}
	case typeAudioEnd:
		if s.recorder != nil {
			s.recorder.AudioEnd(msg.ContentType)
		}

	case typePlaybackEnded:
		s.playback().HandleEnded(msg.ID)
	case typePlaybackError:
		s.playback().HandleError(msg.ID, msg.Message)

	default:
		s.log.Debug("ignoring unknown frame", "type", msg.Type)
	}
}

func (s *Session) handleAudio(data []byte) {
	if s.recorder == nil {
		return
	}
	if _, err := s.recorder.Write(data); err != nil {
		s.log.Warn("dropping recorded audio", "error", err)
	}
}

// intent applies rate limiting and reports rejections to the browser.
func (s *Session) intent(name string, run func() error) {
	if !s.limiter.Allow() {
		s.reject(name, codeRateLimited, "Too many requests, slow down.")
		return
	}
	err := run()
	switch {
	case err == nil:
	case errors.Is(err, controller.ErrBusy):
		s.reject(name, codeBusy, "Please wait for the current response to finish.")
	case errors.Is(err, transcript.ErrEmptyInput):
		s.reject(name, codeEmptyInput, "Message is empty.")
	case errors.Is(err, controller.ErrStopped), errors.Is(err, context.Canceled):
	default:
		s.log.Error("intent failed", "intent", name, "error", err)
		s.reject(name, codeInternal, err.Error())
	}
}

func (s *Session) reject(intent, code, message string) {
	if s.metrics != nil {
		s.metrics.IntentRejected(code)
	}
	_ = s.Send(rejectedFrame{Type: "rejected", Intent: intent, Code: code, Message: message})
}

type playbackRelay interface {
	HandleEnded(id uint64)
	HandleError(id uint64, message string)
}

func (s *Session) playback() playbackRelay {
	if s.piper != nil {
		return s.piper
	}
	return s.voice
}

func (s *Session) fail(err error) {
	s.failMu.Lock()
	if s.failErr == nil {
		s.failErr = err
	}
	s.failMu.Unlock()
	s.log.Warn("closing session", "error", err)
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Session) failure() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failErr
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}
