// Package scheduler decides how often a site is polled.
package scheduler

import (
	"sync"
	"time"

	"github.com/raterudder/evsync/pkg/types"
)

// Cadence is a polling state.
type Cadence string

const (
	IdleSlow         Cadence = "idle_slow"
	ActiveFast       Cadence = "active_fast"
	PostCommandBurst Cadence = "post_command_burst"
	LiveStreamBurst  Cadence = "live_stream_burst"
)

// Config holds the cadences. The Machine only decides which one applies.
type Config struct {
	Slow             time.Duration
	Fast             time.Duration
	PostCommandBurst time.Duration
	// LiveStream bounds a live stream window when the backend doesn't
	// advertise one.
	LiveStream time.Duration
	// IdleDebounce is how many consecutive idle observations drop an active
	// site back to the slow cadence.
	IdleDebounce int
	// PreferLiveStreamFastPoll polls at the fast cadence during a live
	// stream window.
	PreferLiveStreamFastPoll bool
}

// ConfigFromSettings returns the cadence config from site settings.
func ConfigFromSettings(s types.Settings) Config {
	return Config{
		Slow:                     s.PollSlow(),
		Fast:                     s.PollFast(),
		PostCommandBurst:         s.PostCommandBurst(),
		LiveStream:               s.LiveStream(),
		IdleDebounce:             s.IdleDebounceCount,
		PreferLiveStreamFastPoll: s.PreferLiveStreamFastPoll,
	}
}

// Machine is the polling state machine of one site.
type Machine struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	active     bool
	idleCount  int
	burstUntil time.Time
	liveUntil  time.Time
}

// NewMachine returns a Machine in the Idle-Slow state.
func NewMachine(cfg Config) *Machine {
	return &Machine{cfg: normalizeConfig(cfg), now: time.Now}
}

func normalizeConfig(cfg Config) Config {
	if cfg.IdleDebounce < 1 {
		cfg.IdleDebounce = 1
	}
	return cfg
}

// SetClock replaces the time source. Used by tests.
func (m *Machine) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetConfig replaces the cadences. The current state is kept.
func (m *Machine) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = normalizeConfig(cfg)
}

// Observe records whether the latest poll saw any charger in an active
// session.
func (m *Machine) Observe(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if active {
		m.active = true
		m.idleCount = 0
		return
	}
	if !m.active {
		return
	}
	m.idleCount++
	if m.idleCount >= m.cfg.IdleDebounce {
		m.active = false
		m.idleCount = 0
	}
}

// CommandIssued starts a post-command burst window.
func (m *Machine) CommandIssued() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.burstUntil = m.now().Add(m.cfg.PostCommandBurst)
}

// StartLiveStream opens a live stream window of the advertised duration,
// bounded by the configured window.
func (m *Machine) StartLiveStream(advertised time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.cfg.LiveStream
	if advertised > 0 && (d <= 0 || advertised < d) {
		d = advertised
	}
	m.liveUntil = m.now().Add(d)
	return m.liveUntil
}

// StopLiveStream ends the live stream window.
func (m *Machine) StopLiveStream() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liveUntil = time.Time{}
}

// LiveStreamUntil returns the end of the current live stream window.
func (m *Machine) LiveStreamUntil() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.now().Before(m.liveUntil) {
		return m.liveUntil, true
	}
	return time.Time{}, false
}

func (m *Machine) stateLocked(now time.Time) Cadence {
	switch {
	case now.Before(m.liveUntil):
		return LiveStreamBurst
	case now.Before(m.burstUntil):
		return PostCommandBurst
	case m.active:
		return ActiveFast
	}
	return IdleSlow
}

// State returns the current cadence state.
func (m *Machine) State() Cadence {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(m.now())
}

// Interval returns how long to wait before the next poll.
func (m *Machine) Interval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	switch m.stateLocked(now) {
	case LiveStreamBurst:
		if m.cfg.PreferLiveStreamFastPoll || m.active || now.Before(m.burstUntil) {
			return m.cfg.Fast
		}
		return m.cfg.Slow
	case PostCommandBurst, ActiveFast:
		return m.cfg.Fast
	}
	return m.cfg.Slow
}
