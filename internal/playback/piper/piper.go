// Package piper implements playback.Speaker with a Piper text-to-speech
// server reached over the Wyoming protocol (TCP port 10200 in the
// linuxserver/piper container).
//
// Speech is synthesized server-side, shipped to the browser as a WAV clip
// and considered finished when the browser reports the clip ended or, as a
// fallback, once the clip's duration has elapsed.
package piper

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/nadzzz/voicechat/internal/config"
	"github.com/nadzzz/voicechat/internal/playback"
)

// defaultVoices maps ISO-639-1 language codes to Piper voice model names.
var defaultVoices = map[string]string{
	"en": "en_US-lessac-medium",
	"fr": "fr_FR-siwis-medium",
	"es": "es_ES-mls_10246-low",
	"de": "de_DE-thorsten-medium",
	"it": "it_IT-riccardo-x_low",
	"pt": "pt_BR-faber-medium",
	"nl": "nl_NL-mls-medium",
	"pl": "pl_PL-darkman-medium",
	"ja": "ja_JP-amitaro-medium",
	"zh": "zh_CN-huayan-medium",
}

// endGrace is added to the clip duration before the fallback timer fires,
// covering decode and output latency in the browser.
const endGrace = 750 * time.Millisecond

// Sender delivers a JSON-encodable command to the browser.
type Sender interface {
	Send(msg any) error
}

// Clip is synthesized speech.
type Clip struct {
	Audio       []byte
	ContentType string
	Duration    time.Duration
}

// Synthesizer talks to one or more Piper servers.
type Synthesizer struct {
	endpoint  string
	endpoints map[string]string
	voices    map[string]string
	dialer    net.Dialer
}

// NewSynthesizer creates a Piper client from config.
func NewSynthesizer(cfg config.PiperConfig) *Synthesizer {
	voices := make(map[string]string, len(defaultVoices)+len(cfg.Voices))
	for k, v := range defaultVoices {
		voices[k] = v
	}
	for k, v := range cfg.Voices {
		voices[k] = v
	}
	endpoints := make(map[string]string, len(cfg.Endpoints))
	for lang, ep := range cfg.Endpoints {
		endpoints[lang] = hostPort(ep)
	}
	return &Synthesizer{
		endpoint:  hostPort(cfg.Endpoint),
		endpoints: endpoints,
		voices:    voices,
		dialer:    net.Dialer{Timeout: 10 * time.Second},
	}
}

// Synthesize voices text in language (a BCP-47 tag or ISO-639-1 code) and
// returns it as a WAV clip.
func (s *Synthesizer) Synthesize(ctx context.Context, text, language string) (*Clip, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("empty text for synthesis")
	}
	lang, _, _ := strings.Cut(strings.ToLower(language), "-")

	voice := s.voices[lang]
	if voice == "" {
		voice = s.voices["en"]
	}
	endpoint := s.endpoints[lang]
	if endpoint == "" {
		endpoint = s.endpoint
	}
	if endpoint == "" {
		return nil, fmt.Errorf("no piper endpoint configured for language %q", lang)
	}

	conn, err := s.dialer.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("connecting to piper: %w", err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	slog.Debug("piper synthesize", "text_length", len(text), "voice", voice, "endpoint", endpoint)
	req := event{Type: "synthesize", Data: map[string]any{
		"text":  text,
		"voice": map[string]any{"name": voice},
	}}
	if err := writeEvent(conn, req); err != nil {
		return nil, fmt.Errorf("sending synthesize event: %w", err)
	}

	r := bufio.NewReader(conn)
	format := audioFormat{rate: 22050, width: 2, channels: 1}
	var pcm bytes.Buffer
	for {
		ev, err := readEvent(r)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("reading piper event: %w", err)
		}
		switch ev.Type {
		case "audio-start":
			format = audioFormat{
				rate:     ev.intField("rate", format.rate),
				width:    ev.intField("width", format.width),
				channels: ev.intField("channels", format.channels),
			}
		case "audio-chunk":
			pcm.Write(ev.Payload)
		case "audio-stop":
			dur := time.Duration(0)
			if bps := format.bytesPerSecond(); bps > 0 {
				dur = time.Duration(pcm.Len()) * time.Second / time.Duration(bps)
			}
			slog.Debug("piper audio-stop", "pcm_bytes", pcm.Len(), "duration", dur)
			return &Clip{Audio: format.wav(pcm.Bytes()), ContentType: "audio/wav", Duration: dur}, nil
		case "error":
			msg, _ := ev.Data["text"].(string)
			if msg == "" {
				msg = "unknown error"
			}
			return nil, fmt.Errorf("piper error: %s", msg)
		}
	}
}

// AudioCommand ships a synthesized clip to the browser.
type AudioCommand struct {
	Type        string `json:"type"`
	ID          uint64 `json:"id"`
	ContentType string `json:"content_type"`
	Audio       []byte `json:"audio"`
}

// CancelCommand stops the browser's current clip.
type CancelCommand struct {
	Type string `json:"type"`
}

// Speaker implements playback.Speaker on top of a Synthesizer.
type Speaker struct {
	synth    *Synthesizer
	out      Sender
	language string
	tracker  playback.Tracker

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewSpeaker creates a Piper-backed speaker for one session.
func NewSpeaker(synth *Synthesizer, out Sender, language string) *Speaker {
	return &Speaker{synth: synth, out: out, language: language}
}

// Name returns the backend identifier.
func (s *Speaker) Name() string { return "piper" }

// Speak synthesizes text in the background and sends it to the browser.
func (s *Speaker) Speak(ctx context.Context, text string, ev playback.Events) error {
	id := s.tracker.Begin(ev)
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		defer cancel()
		clip, err := s.synth.Synthesize(ctx, text, s.language)
		if err != nil {
			if ctx.Err() == nil {
				s.tracker.Fail(id, err)
			}
			return
		}
		if s.tracker.Current() != id {
			return
		}
		cmd := AudioCommand{Type: "playback.audio", ID: id, ContentType: clip.ContentType, Audio: clip.Audio}
		if err := s.out.Send(cmd); err != nil {
			s.tracker.Fail(id, fmt.Errorf("sending playback.audio: %w", err))
			return
		}
		s.tracker.Arm(id, clip.Duration+endGrace)
	}()
	return nil
}

// Cancel stops synthesis or playback of the current clip.
func (s *Speaker) Cancel() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
	if s.tracker.Current() == 0 {
		return
	}
	s.tracker.Cancel()
	if err := s.out.Send(CancelCommand{Type: "playback.cancel"}); err != nil {
		slog.Debug("failed to send playback.cancel", "error", err)
	}
}

// HandleEnded relays the browser's end of clip id.
func (s *Speaker) HandleEnded(id uint64) { s.tracker.End(id) }

// HandleError relays a browser-side playback failure for clip id.
func (s *Speaker) HandleError(id uint64, message string) {
	s.tracker.Fail(id, fmt.Errorf("browser playback: %s", message))
}

func hostPort(ep string) string {
	ep = strings.TrimPrefix(ep, "tcp://")
	return strings.TrimPrefix(ep, "http://")
}
