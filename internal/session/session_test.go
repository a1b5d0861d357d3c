package session

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadzzz/voicechat/internal/voicetest"
)

var testConfig = Config{
	Language:         "en-US",
	PerChar:          10 * time.Millisecond,
	MaxAudioBytes:    1 << 20,
	IntentsPerSecond: 100,
	IntentBurst:      100,
	OutboundBuffer:   64,
}

type frame map[string]any

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, cfg Config, b Backends) *client {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = New(conn, cfg, b, nil).Serve(r.Context())
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(v any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(v))
}

// expect reads frames until one satisfies match and returns it.
func (c *client) expect(match func(frame) bool) frame {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for frame")
		var f frame
		require.NoError(c.t, json.Unmarshal(data, &f))
		if match(f) {
			return f
		}
	}
}

func ofType(typ string) func(frame) bool {
	return func(f frame) bool { return f["type"] == typ }
}

func view(state string) func(frame) bool {
	return func(f frame) bool { return f["type"] == "view" && f["state"] == state }
}

func rejected(code string) func(frame) bool {
	return func(f frame) bool { return f["type"] == "rejected" && f["code"] == code }
}

func waitStream(t *testing.T, chat *voicetest.ChatClient, n int) *voicetest.Stream {
	t.Helper()
	require.Eventually(t, func() bool { return len(chat.Streams()) == n }, 3*time.Second, 5*time.Millisecond)
	return chat.Last()
}

func TestSessionTypedExchange(t *testing.T) {
	chat := &voicetest.ChatClient{}
	c := dial(t, testConfig, Backends{Chat: chat})

	first := c.expect(ofType("view"))
	assert.Equal(t, "idle", first["state"])
	assert.Empty(t, first["turns"])

	c.send(frame{"type": "submit_text", "text": "  hello  "})
	c.expect(view("streaming"))

	stream := waitStream(t, chat, 1)
	require.Len(t, stream.History, 1)
	assert.Equal(t, "hello", stream.History[0].Content)

	stream.Delta("Hi ")
	stream.Delta("there")
	stream.Done()

	done := c.expect(view("idle"))
	turns := done["turns"].([]any)
	require.Len(t, turns, 2)
	reply := turns[1].(map[string]any)
	assert.Equal(t, "assistant", reply["role"])
	assert.Equal(t, "Hi there", reply["text"])
	assert.Equal(t, false, reply["open"])
}

func TestSessionRejectsIntents(t *testing.T) {
	chat := &voicetest.ChatClient{}
	c := dial(t, testConfig, Backends{Chat: chat})

	c.send(frame{"type": "submit_text", "text": " \t "})
	f := c.expect(ofType("rejected"))
	assert.Equal(t, "submit_text", f["intent"])
	assert.Equal(t, codeEmptyInput, f["code"])

	c.send(frame{"type": "submit_text", "text": "first"})
	c.expect(view("streaming"))
	c.send(frame{"type": "submit_text", "text": "second"})
	c.expect(rejected(codeBusy))
	c.send(frame{"type": "toggle_voice"})
	f = c.expect(rejected(codeBusy))
	assert.Equal(t, "toggle_voice", f["intent"])

	assert.Len(t, chat.Streams(), 1)
}

func TestSessionRateLimitsIntents(t *testing.T) {
	cfg := testConfig
	cfg.IntentsPerSecond = 0.001
	cfg.IntentBurst = 1
	c := dial(t, cfg, Backends{Chat: &voicetest.ChatClient{}})

	c.send(frame{"type": "submit_text", "text": ""})
	c.expect(rejected(codeEmptyInput))
	c.send(frame{"type": "submit_text", "text": "hello"})
	c.expect(rejected(codeRateLimited))
}

func TestSessionCaptureUnavailable(t *testing.T) {
	c := dial(t, testConfig, Backends{Chat: &voicetest.ChatClient{}})

	c.send(frame{"type": "hello", "capabilities": frame{"speech_recognition": false}})
	c.send(frame{"type": "toggle_voice"})
	f := c.expect(ofType("notice"))
	assert.Equal(t, "capture_unavailable", f["kind"])
	assert.NotEmpty(t, f["message"])
}

func TestSessionVoiceExchangeWithBrowserSpeech(t *testing.T) {
	chat := &voicetest.ChatClient{}
	c := dial(t, testConfig, Backends{Chat: chat})

	c.send(frame{"type": "hello", "capabilities": frame{
		"speech_recognition":   true,
		"speech_synthesis":     true,
		"synthesis_end_events": true,
	}})
	c.send(frame{"type": "toggle_voice"})

	start := c.expect(ofType("capture.start"))
	assert.Equal(t, "en-US", start["language"])
	c.expect(view("capturing"))

	c.send(frame{"type": "capture.started"})
	c.send(frame{"type": "capture.result", "text": "what time is it"})
	c.send(frame{"type": "capture.ended"})
	c.expect(view("streaming"))

	stream := waitStream(t, chat, 1)
	assert.Equal(t, "what time is it", stream.History[0].Content)
	stream.Delta("Noon.")
	stream.Done()

	speak := c.expect(ofType("playback.speak"))
	assert.Equal(t, "Noon.", speak["text"])
	c.expect(view("speaking"))

	c.send(frame{"type": "playback.ended", "id": speak["id"]})
	c.expect(view("idle"))
}

type transcriber struct {
	text string

	mu    sync.Mutex
	audio []byte
	ctype string
}

func (f *transcriber) Name() string { return "whisper" }

func (f *transcriber) Transcribe(_ context.Context, audio []byte, contentType, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio, f.ctype = audio, contentType
	return f.text, nil
}

func TestSessionVoiceExchangeWithRecorder(t *testing.T) {
	chat := &voicetest.ChatClient{}
	tr := &transcriber{text: "what time is it"}
	c := dial(t, testConfig, Backends{Chat: chat, Transcriber: tr})

	c.send(frame{"type": "hello", "capabilities": frame{"media_recorder": true}})
	c.send(frame{"type": "toggle_voice"})

	start := c.expect(ofType("record.start"))
	assert.Equal(t, "en-US", start["language"])
	c.expect(view("capturing"))

	c.send(frame{"type": "capture.started"})
	require.NoError(t, c.conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))
	c.send(frame{"type": "toggle_voice"})
	c.expect(ofType("record.stop"))

	// The recorder flushes its last chunk after stopping.
	require.NoError(t, c.conn.WriteMessage(websocket.BinaryMessage, []byte{4, 5}))
	c.send(frame{"type": "capture.audio_end", "content_type": "audio/webm"})
	c.expect(view("streaming"))

	stream := waitStream(t, chat, 1)
	assert.Equal(t, "what time is it", stream.History[0].Content)
	tr.mu.Lock()
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, tr.audio)
	assert.Equal(t, "audio/webm", tr.ctype)
	tr.mu.Unlock()
}

func TestSessionToggleInterruptsPlayback(t *testing.T) {
	chat := &voicetest.ChatClient{}
	c := dial(t, testConfig, Backends{Chat: chat})

	c.send(frame{"type": "hello", "capabilities": frame{
		"speech_recognition":   true,
		"speech_synthesis":     true,
		"synthesis_end_events": true,
	}})
	c.send(frame{"type": "toggle_voice"})
	c.expect(view("capturing"))
	c.send(frame{"type": "capture.result", "text": "tell me a story"})
	c.expect(view("streaming"))

	stream := waitStream(t, chat, 1)
	stream.Delta("Once upon a time")
	stream.Done()
	c.expect(view("speaking"))

	c.send(frame{"type": "toggle_voice"})
	c.expect(ofType("playback.cancel"))
	c.expect(view("capturing"))
}

func TestSessionPlaybackErrorReturnsToIdle(t *testing.T) {
	chat := &voicetest.ChatClient{}
	c := dial(t, testConfig, Backends{Chat: chat})

	c.send(frame{"type": "hello", "capabilities": frame{
		"speech_recognition":   true,
		"speech_synthesis":     true,
		"synthesis_end_events": true,
	}})
	c.send(frame{"type": "toggle_voice"})
	c.expect(view("capturing"))
	c.send(frame{"type": "capture.result", "text": "hi"})
	c.expect(view("streaming"))

	stream := waitStream(t, chat, 1)
	stream.Delta("Hello!")
	stream.Done()
	speak := c.expect(ofType("playback.speak"))

	c.send(frame{"type": "playback.error", "id": speak["id"], "message": "synthesis-failed"})
	f := c.expect(ofType("notice"))
	assert.Equal(t, "playback_failed", f["kind"])
}

func TestSessionIgnoresMalformedFrames(t *testing.T) {
	c := dial(t, testConfig, Backends{Chat: &voicetest.ChatClient{}})

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	c.send(frame{"type": "no.such.type"})
	require.NoError(t, c.conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}))

	c.send(frame{"type": "submit_text", "text": ""})
	c.expect(rejected(codeEmptyInput))
}

func TestSendSlowConsumer(t *testing.T) {
	cfg := testConfig
	cfg.OutboundBuffer = 1
	s := New(nil, cfg, Backends{Chat: &voicetest.ChatClient{}}, nil)

	require.NoError(t, s.Send(frame{"type": "a"}))
	assert.ErrorIs(t, s.Send(frame{"type": "b"}), ErrSlowConsumer)
	assert.ErrorIs(t, s.failure(), ErrSlowConsumer)
}

func TestServeStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		served <- New(conn, testConfig, Backends{Chat: &voicetest.ChatClient{}}, nil).Serve(ctx)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	c := &client{t: t, conn: conn}
	c.expect(ofType("view"))

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
