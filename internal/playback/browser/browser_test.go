package browser

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sink struct {
	mu   sync.Mutex
	msgs []any
}

func (s *sink) Send(msg any) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	return nil
}

type events struct {
	ended  atomic.Int32
	failed atomic.Int32
}

func (e *events) OnEnded()      { e.ended.Add(1) }
func (e *events) OnError(error) { e.failed.Add(1) }

func TestSpeaker_Unsupported(t *testing.T) {
	s := New(&sink{}, "en-US", 50*time.Millisecond)
	assert.ErrorIs(t, s.Speak(context.Background(), "hi", &events{}), ErrUnsupported)
}

func TestSpeaker_HeuristicTimerEnds(t *testing.T) {
	out := &sink{}
	s := New(out, "en-US", time.Millisecond)
	s.SetCapabilities(true, false)
	ev := &events{}

	start := time.Now()
	require.NoError(t, s.Speak(context.Background(), "It's sunny.", ev))
	require.Eventually(t, func() bool { return ev.ended.Load() == 1 }, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 11*time.Millisecond)

	require.Len(t, out.msgs, 1)
	assert.Equal(t, SpeakCommand{Type: "playback.speak", ID: 1, Text: "It's sunny.", Language: "en-US"}, out.msgs[0])
}

func TestSpeaker_NativeEndWins(t *testing.T) {
	s := New(&sink{}, "en-US", 50*time.Millisecond)
	s.SetCapabilities(true, true)
	ev := &events{}

	require.NoError(t, s.Speak(context.Background(), "Hello", ev))
	s.HandleEnded(1)
	s.HandleEnded(1)
	assert.Equal(t, int32(1), ev.ended.Load())
}

func TestSpeaker_CancelSuppressesEnd(t *testing.T) {
	out := &sink{}
	s := New(out, "en-US", time.Millisecond)
	s.SetCapabilities(true, false)
	ev := &events{}

	require.NoError(t, s.Speak(context.Background(), "Hi", ev))
	s.Cancel()
	time.Sleep(20 * time.Millisecond)
	s.HandleEnded(1)

	assert.Zero(t, ev.ended.Load())
	assert.Equal(t, CancelCommand{Type: "playback.cancel"}, out.msgs[1])
}

func TestSpeaker_StaleEndIgnored(t *testing.T) {
	s := New(&sink{}, "en-US", time.Hour)
	s.SetCapabilities(true, true)
	first, second := &events{}, &events{}

	require.NoError(t, s.Speak(context.Background(), "one", first))
	s.Cancel()
	require.NoError(t, s.Speak(context.Background(), "two", second))
	s.HandleEnded(1)
	assert.Zero(t, second.ended.Load())
	s.HandleEnded(2)
	assert.Equal(t, int32(1), second.ended.Load())
}
