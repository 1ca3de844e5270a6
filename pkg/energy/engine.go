// Package energy reconciles monotonic energy counters that occasionally dip,
// drop to zero, switch units or genuinely reset.
package energy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/raterudder/evsync/pkg/log"
	"github.com/raterudder/evsync/pkg/types"
)

// Config tunes reset classification. All values are kWh except the ratio and
// count.
type Config struct {
	// Jitter is the largest drop that is always treated as noise.
	Jitter float64
	// DropThreshold is the smallest drop that can be a reset.
	DropThreshold float64
	// Floor and Ratio: a reset candidate must fall to at most Floor or to at
	// most Ratio times the last accepted value.
	Floor float64
	Ratio float64
	// ConfirmTolerance is how close consecutive candidates must be to count
	// as the same reset.
	ConfirmTolerance float64
	// ConfirmCount is how many consecutive candidates confirm a reset.
	ConfirmCount int
	// ConfirmWindow confirms a reset with fewer than ConfirmCount samples
	// once the first candidate is at least this old. Zero disables it.
	ConfirmWindow time.Duration
}

// ConfigFromSettings returns the reset tuning from site settings.
func ConfigFromSettings(s types.Settings) Config {
	return Config{
		Jitter:           s.ResetJitterKWh,
		DropThreshold:    s.ResetDropThresholdKWh,
		Floor:            s.ResetFloorKWh,
		Ratio:            s.ResetRatio,
		ConfirmTolerance: s.ResetConfirmToleranceKWh,
		ConfirmCount:     s.ResetConfirmCount,
		ConfirmWindow:    s.ResetConfirmWindow(),
	}
}

// unitScaleTolerance is how close a sample must be to 1000x the last value to
// be read as Wh.
const unitScaleTolerance = 0.05

// AnomalyError is a sample the engine refused to apply because it doesn't fit
// any modeled counter behavior.
type AnomalyError struct {
	CounterID string
	Value     float64
	At        time.Time
	LastValue float64
	LastAt    time.Time
	Reason    string
}

func (e *AnomalyError) Error() string {
	return fmt.Sprintf("energy counter %s: %s (value %v at %s, last %v at %s)",
		e.CounterID, e.Reason, e.Value, e.At.Format(time.RFC3339), e.LastValue, e.LastAt.Format(time.RFC3339))
}

type counter struct {
	types.EnergyCounter
	pending      float64
	pendingAt    time.Time
	pendingCount int
}

func (c *counter) clearPending() {
	c.pending = 0
	c.pendingAt = time.Time{}
	c.pendingCount = 0
}

// confirms reports whether a reset candidate backs up the pending one: it
// repeats it within tolerance or the new meter kept counting up from it.
func (c *counter) confirms(raw, tolerance float64) bool {
	if c.pendingCount == 0 {
		return false
	}
	return raw >= c.pending || math.Abs(raw-c.pending) <= tolerance
}

// Engine holds the counters of one site. It is safe for concurrent use but
// the coordinator only calls it from the site's pass.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	counters map[string]*counter
}

// NewEngine returns an empty engine.
func NewEngine(cfg Config) *Engine {
	if cfg.ConfirmCount < 2 {
		cfg.ConfirmCount = 2
	}
	return &Engine{
		cfg:      cfg,
		counters: make(map[string]*counter),
	}
}

// SetConfig replaces the tuning. Existing counters keep their state.
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cfg.ConfirmCount < 2 {
		cfg.ConfirmCount = 2
	}
	e.cfg = cfg
}

// Reconcile applies one raw sample to the counter and returns the corrected
// total and whether a reset was confirmed by this sample. Samples that are
// negative, noise or unconfirmed drops are ignored and leave the total as is.
// NaN, infinite and out of order samples return an *AnomalyError and are
// ignored as well.
func (e *Engine) Reconcile(ctx context.Context, id string, raw float64, ts time.Time) (float64, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.counters[id]
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		ae := &AnomalyError{CounterID: id, Value: raw, At: ts, Reason: "non-finite sample"}
		if ok {
			ae.LastValue, ae.LastAt = c.LastValue, c.LastAt
			return c.Total, false, ae
		}
		return 0, false, ae
	}
	if !ok {
		if raw < 0 {
			return 0, false, nil
		}
		e.counters[id] = &counter{EnergyCounter: types.EnergyCounter{
			ID:        id,
			LastValue: raw,
			LastAt:    ts,
			Unit:      types.UnitKWh,
			Total:     raw,
		}}
		return raw, false, nil
	}
	if raw < 0 {
		return c.Total, false, nil
	}
	if !c.LastAt.IsZero() && ts.Before(c.LastAt) {
		return c.Total, false, &AnomalyError{
			CounterID: id,
			Value:     raw,
			At:        ts,
			LastValue: c.LastValue,
			LastAt:    c.LastAt,
			Reason:    "sample older than last accepted sample",
		}
	}

	last := c.LastValue
	// below 1 kWh a 1000x jump is as likely to be real growth
	if last >= 1 {
		scaled := last * 1000
		if math.Abs(raw-scaled) <= scaled*unitScaleTolerance {
			raw /= 1000
			if c.Unit != types.UnitWh {
				log.Ctx(ctx).InfoContext(ctx, "energy counter reported in Wh", slog.String("counter", id))
			}
			c.Unit = types.UnitWh
		}
	}

	drop := last - raw
	switch {
	case drop <= 0:
		c.Total += raw - last
		c.LastValue = raw
		c.LastAt = ts
		c.clearPending()
		return c.Total, false, nil
	case drop <= e.cfg.Jitter:
		c.clearPending()
		return c.Total, false, nil
	}

	candidate := drop >= e.cfg.DropThreshold && (raw <= e.cfg.Floor || raw <= last*e.cfg.Ratio)
	if !candidate {
		c.clearPending()
		log.Ctx(ctx).DebugContext(ctx, "ignoring energy counter drop",
			slog.String("counter", id),
			slog.Float64("last", last),
			slog.Float64("value", raw),
		)
		return c.Total, false, nil
	}

	if c.confirms(raw, e.cfg.ConfirmTolerance) {
		c.pending = raw
		c.pendingCount++
	} else {
		c.pending = raw
		c.pendingAt = ts
		c.pendingCount = 1
		log.Ctx(ctx).DebugContext(ctx, "ignoring suspected energy counter reset",
			slog.String("counter", id),
			slog.Float64("last", last),
			slog.Float64("value", raw),
		)
	}
	windowed := e.cfg.ConfirmWindow > 0 && c.pendingCount > 1 && ts.Sub(c.pendingAt) >= e.cfg.ConfirmWindow
	if c.pendingCount < e.cfg.ConfirmCount && !windowed {
		return c.Total, false, nil
	}

	log.Ctx(ctx).InfoContext(ctx, "accepting energy counter reset",
		slog.String("counter", id),
		slog.Int("samples", c.pendingCount),
		slog.Float64("last", last),
		slog.Float64("value", raw),
	)
	resetValue := last
	resetAt := ts
	c.LastResetValue = &resetValue
	c.LastResetAt = &resetAt
	c.LastValue = raw
	c.LastAt = ts
	c.clearPending()
	return c.Total, true, nil
}

// Counter returns a copy of a counter.
func (e *Engine) Counter(id string) (types.EnergyCounter, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.counters[id]
	if !ok {
		return types.EnergyCounter{}, false
	}
	return copyCounter(c.EnergyCounter), true
}

// Counters returns a copy of every counter keyed by id.
func (e *Engine) Counters() map[string]types.EnergyCounter {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]types.EnergyCounter, len(e.counters))
	for id, c := range e.counters {
		out[id] = copyCounter(c.EnergyCounter)
	}
	return out
}

// Restore loads checkpointed counters. Counters already tracked are
// replaced.
func (e *Engine) Restore(counters []types.EnergyCounter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ec := range counters {
		if ec.ID == "" {
			continue
		}
		if ec.Unit == "" {
			ec.Unit = types.UnitKWh
		}
		e.counters[ec.ID] = &counter{EnergyCounter: copyCounter(ec)}
	}
}

// Forget drops a counter.
func (e *Engine) Forget(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.counters, id)
}

func copyCounter(c types.EnergyCounter) types.EnergyCounter {
	if c.LastResetValue != nil {
		v := *c.LastResetValue
		c.LastResetValue = &v
	}
	if c.LastResetAt != nil {
		t := *c.LastResetAt
		c.LastResetAt = &t
	}
	return c
}

// ChargerCounterID is the counter id for a charger's lifetime energy.
func ChargerCounterID(serial string) string {
	return "charger:" + serial
}

// SiteCounterID is the counter id for a site energy flow.
func SiteCounterID(flow string) string {
	return "site:" + flow
}
