package scheduler

import (
	"testing"
	"time"

	"github.com/raterudder/evsync/pkg/types"
	"github.com/stretchr/testify/assert"
)

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time { return c.t }

func newTestMachine(prefer bool) (*Machine, *clock) {
	cfg := ConfigFromSettings(types.DefaultSettings())
	cfg.PreferLiveStreamFastPoll = prefer
	clk := &clock{t: time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMachine(cfg)
	m.SetClock(clk.now)
	return m, clk
}

func TestMachine(t *testing.T) {
	t.Run("StartsIdle", func(t *testing.T) {
		m, _ := newTestMachine(true)
		assert.Equal(t, IdleSlow, m.State())
		assert.Equal(t, 30*time.Second, m.Interval())
		m.Observe(false)
		assert.Equal(t, IdleSlow, m.State())
	})

	t.Run("ActiveWithDebounce", func(t *testing.T) {
		m, _ := newTestMachine(true)
		m.Observe(true)
		assert.Equal(t, ActiveFast, m.State())
		assert.Equal(t, 10*time.Second, m.Interval())

		m.Observe(false)
		m.Observe(false)
		assert.Equal(t, ActiveFast, m.State(), "two idle samples aren't enough")

		m.Observe(true)
		m.Observe(false)
		m.Observe(false)
		assert.Equal(t, ActiveFast, m.State(), "an active sample restarts the debounce")

		m.Observe(false)
		assert.Equal(t, IdleSlow, m.State())
	})

	t.Run("PostCommandBurst", func(t *testing.T) {
		m, clk := newTestMachine(true)
		m.CommandIssued()
		assert.Equal(t, PostCommandBurst, m.State())
		assert.Equal(t, 10*time.Second, m.Interval())

		clk.t = clk.t.Add(59 * time.Second)
		assert.Equal(t, PostCommandBurst, m.State())

		clk.t = clk.t.Add(time.Second)
		assert.Equal(t, IdleSlow, m.State())
	})

	t.Run("PostCommandFallsBackToConfirmedState", func(t *testing.T) {
		m, clk := newTestMachine(true)
		m.CommandIssued()
		m.Observe(true)
		clk.t = clk.t.Add(2 * time.Minute)
		assert.Equal(t, ActiveFast, m.State())
	})

	t.Run("LiveStreamExpiresWithoutInput", func(t *testing.T) {
		m, clk := newTestMachine(true)
		until := m.StartLiveStream(0)
		assert.Equal(t, clk.t.Add(15*time.Minute), until)
		assert.Equal(t, LiveStreamBurst, m.State())
		assert.Equal(t, 10*time.Second, m.Interval())

		got, ok := m.LiveStreamUntil()
		assert.True(t, ok)
		assert.Equal(t, until, got)

		clk.t = clk.t.Add(15 * time.Minute)
		assert.Equal(t, IdleSlow, m.State())
		_, ok = m.LiveStreamUntil()
		assert.False(t, ok)
	})

	t.Run("LiveStreamAdvertisedDuration", func(t *testing.T) {
		m, clk := newTestMachine(true)
		until := m.StartLiveStream(5 * time.Minute)
		assert.Equal(t, clk.t.Add(5*time.Minute), until)

		until = m.StartLiveStream(time.Hour)
		assert.Equal(t, clk.t.Add(15*time.Minute), until, "bounded to the configured window")
	})

	t.Run("LiveStreamWithoutFastPreference", func(t *testing.T) {
		m, _ := newTestMachine(false)
		m.StartLiveStream(0)
		assert.Equal(t, LiveStreamBurst, m.State())
		assert.Equal(t, 30*time.Second, m.Interval())

		m.Observe(true)
		assert.Equal(t, 10*time.Second, m.Interval())
	})

	t.Run("StopLiveStream", func(t *testing.T) {
		m, _ := newTestMachine(true)
		m.StartLiveStream(0)
		m.StopLiveStream()
		assert.Equal(t, IdleSlow, m.State())
	})
}
