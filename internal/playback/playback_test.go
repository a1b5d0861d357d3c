package playback

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type counter struct {
	ended  atomic.Int32
	failed atomic.Int32
}

func (c *counter) OnEnded()      { c.ended.Add(1) }
func (c *counter) OnError(error) { c.failed.Add(1) }

func TestEstimate(t *testing.T) {
	assert.Equal(t, 550*time.Millisecond, Estimate("Hello world", 50*time.Millisecond))
	assert.Equal(t, 100*time.Millisecond, Estimate("hé", 50*time.Millisecond))
	assert.Zero(t, Estimate("", 50*time.Millisecond))
}

func TestTracker_EndOnce(t *testing.T) {
	var tr Tracker
	c := &counter{}
	id := tr.Begin(c)
	tr.End(id)
	tr.End(id)
	tr.Fail(id, errors.New("late"))
	assert.Equal(t, int32(1), c.ended.Load())
	assert.Zero(t, c.failed.Load())
	assert.Zero(t, tr.Current())
}

func TestTracker_TimerEnds(t *testing.T) {
	var tr Tracker
	c := &counter{}
	id := tr.Begin(c)
	tr.Arm(id, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return c.ended.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestTracker_CancelSuppresses(t *testing.T) {
	var tr Tracker
	c := &counter{}
	id := tr.Begin(c)
	tr.Arm(id, 5*time.Millisecond)
	tr.Cancel()
	time.Sleep(30 * time.Millisecond)
	tr.End(id)
	assert.Zero(t, c.ended.Load())
}

func TestTracker_StaleIDIgnored(t *testing.T) {
	var tr Tracker
	first, second := &counter{}, &counter{}
	old := tr.Begin(first)
	cur := tr.Begin(second)
	tr.End(old)
	assert.Zero(t, first.ended.Load())
	assert.Zero(t, second.ended.Load())
	assert.Equal(t, cur, tr.Current())
	tr.End(cur)
	assert.Equal(t, int32(1), second.ended.Load())
}
