package state

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/raterudder/evsync/pkg/energy"
	"github.com/raterudder/evsync/pkg/log"
	"github.com/raterudder/evsync/pkg/normalize"
	"github.com/raterudder/evsync/pkg/types"
)

// maxClosedSessions bounds how many closed sessions a site keeps in memory.
// Older ones only live in storage.
const maxClosedSessions = 100

// Config tunes how polled data is merged.
type Config struct {
	NominalVoltage float64
	// MissingPolls is how many consecutive successful status polls a serial
	// may be absent from before the charger is removed.
	MissingPolls int
	Energy       energy.Config
}

// ConfigFromSettings returns the merge config from site settings.
func ConfigFromSettings(s types.Settings) Config {
	return Config{
		NominalVoltage: s.NominalVoltage,
		MissingPolls:   s.MissingSerialPolls,
		Energy:         energy.ConfigFromSettings(s),
	}
}

// Update is the successful, normalized output of one pass. Sources that
// failed or weren't due are simply absent.
type Update struct {
	At      time.Time
	Records map[types.SourceKind]normalize.Record
	// Modes and History are per charger sources keyed by serial.
	Modes   map[string]types.ChargeMode
	History map[string][]types.SessionRecord
}

// Result describes what a merge changed.
type Result struct {
	Pass uint64
	// Sessions are sessions that were closed or enriched and should be
	// persisted.
	Sessions []types.SessionRecord
	// Discovered and Removed are chargers that appeared or were dropped.
	Discovered []string
	Removed    []string
	// Resets are counter ids whose reset was confirmed.
	Resets    []string
	Anomalies []error
}

// Annotations are the parts of a snapshot owned by other components.
type Annotations struct {
	Attributes      []types.AttributeStatus
	Health          []types.SourceHealth
	Cadence         string
	LiveStreamUntil *time.Time
	ReauthRequired  bool
}

// Site is the canonical state of one site.
type Site struct {
	id     string
	engine *energy.Engine

	mu        sync.RWMutex
	cfg       Config
	pass      uint64
	updatedAt time.Time

	chargers  map[string]types.ChargerState
	summaries map[string]normalize.Summary
	modes     map[string]types.ChargeMode
	missing   map[string]int
	// retired holds the serials the last inventory marked retired
	retired map[string]bool

	open   map[string]types.SessionRecord
	closed []types.SessionRecord

	battery    *types.BatteryStatus
	siteEnergy map[string]types.SiteEnergyFlow
	inventory  []types.InventoryItem
	events     []types.ChargerEvent

	annotations Annotations
}

func newSite(id string, cfg Config) *Site {
	return &Site{
		id:         id,
		cfg:        normalizeConfig(cfg),
		engine:     energy.NewEngine(cfg.Energy),
		chargers:   make(map[string]types.ChargerState),
		summaries:  make(map[string]normalize.Summary),
		modes:      make(map[string]types.ChargeMode),
		missing:    make(map[string]int),
		retired:    make(map[string]bool),
		open:       make(map[string]types.SessionRecord),
		siteEnergy: make(map[string]types.SiteEnergyFlow),
	}
}

func normalizeConfig(cfg Config) Config {
	if cfg.MissingPolls < 1 {
		cfg.MissingPolls = 1
	}
	return cfg
}

// ID returns the site id.
func (s *Site) ID() string {
	return s.id
}

// SetConfig replaces the merge config.
func (s *Site) SetConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = normalizeConfig(cfg)
	s.engine.SetConfig(cfg.Energy)
}

// RestoreCounters loads checkpointed energy counters.
func (s *Site) RestoreCounters(counters []types.EnergyCounter) {
	s.engine.Restore(counters)
}

// RestoreSessions loads persisted sessions. Open sessions are resumed.
func (s *Site) RestoreSessions(sessions []types.SessionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range sessions {
		if sess.Open() {
			s.open[sess.Serial] = sess
			continue
		}
		s.closed = append(s.closed, sess)
	}
	s.trimClosed()
}

// Counters returns a copy of every energy counter.
func (s *Site) Counters() map[string]types.EnergyCounter {
	return s.engine.Counters()
}

// Charger returns the confirmed state of serial.
func (s *Site) Charger(serial string) (types.ChargerState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chargers[serial]
	return c, ok
}

// Chargers returns a copy of every charger keyed by serial.
func (s *Site) Chargers() map[string]types.ChargerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]types.ChargerState, len(s.chargers))
	for serial, c := range s.chargers {
		out[serial] = c
	}
	return out
}

// Annotate replaces the parts of the snapshot owned by other components.
func (s *Site) Annotate(a Annotations) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.Attributes = append([]types.AttributeStatus(nil), a.Attributes...)
	a.Health = append([]types.SourceHealth(nil), a.Health...)
	if a.LiveStreamUntil != nil {
		t := *a.LiveStreamUntil
		a.LiveStreamUntil = &t
	}
	s.annotations = a
}

// Apply merges one pass worth of normalized records. It must only be called
// from the site's own pass.
func (s *Site) Apply(ctx context.Context, u Update) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx = log.WithAttrs(ctx, slog.String("siteID", s.id))
	s.pass++
	s.updatedAt = u.At
	res := Result{Pass: s.pass}

	if rec, ok := u.Records[types.SourceInventory]; ok {
		s.inventory = append([]types.InventoryItem(nil), rec.Inventory...)
		s.retired = make(map[string]bool)
		for _, item := range rec.Inventory {
			if item.Retired {
				s.retired[item.Serial] = true
			}
		}
	}

	if rec, ok := u.Records[types.SourceSummary]; ok {
		for _, sum := range rec.Summaries {
			if s.retired[sum.Serial] {
				continue
			}
			s.summaries[sum.Serial] = sum
			if sum.LifetimeKWh != nil {
				s.reconcile(ctx, energy.ChargerCounterID(sum.Serial), *sum.LifetimeKWh, u.At, &res)
			}
		}
	}
	for serial, mode := range u.Modes {
		s.modes[serial] = mode
	}

	if rec, ok := u.Records[types.SourceStatus]; ok {
		s.applyStatus(ctx, rec, u.At, &res)
	}
	var retired []string
	for serial := range s.retired {
		if _, ok := s.chargers[serial]; ok {
			retired = append(retired, serial)
		}
	}
	sort.Strings(retired)
	for _, serial := range retired {
		log.Ctx(ctx).InfoContext(ctx, "charger retired", slog.String("serial", serial))
		s.remove(serial, u.At, &res)
	}

	for serial, hist := range u.History {
		res.Sessions = append(res.Sessions, s.mergeHistory(serial, hist)...)
	}

	if rec, ok := u.Records[types.SourceBattery]; ok {
		s.battery = nil
		if rec.Battery != nil {
			b := *rec.Battery
			s.battery = &b
		}
	}
	if rec, ok := u.Records[types.SourceSiteEnergy]; ok && rec.SiteEnergy != nil {
		for flow, f := range rec.SiteEnergy.Flows {
			id := energy.SiteCounterID(flow)
			total, ok := s.reconcile(ctx, id, f.KWh, u.At, &res)
			if !ok {
				continue
			}
			f.KWh = total
			if ec, ok := s.engine.Counter(id); ok {
				f.LastResetAt = ec.LastResetAt
			}
			s.siteEnergy[flow] = f
		}
	}
	if rec, ok := u.Records[types.SourceEvents]; ok {
		s.events = append([]types.ChargerEvent(nil), rec.Events...)
	}

	s.enrich()
	return res
}

// reconcile feeds one sample through the energy engine. It returns false if
// the counter has no value yet.
func (s *Site) reconcile(ctx context.Context, id string, raw float64, at time.Time, res *Result) (float64, bool) {
	total, reset, err := s.engine.Reconcile(ctx, id, raw, at)
	if err != nil {
		var ae *energy.AnomalyError
		if errors.As(err, &ae) {
			log.Ctx(ctx).ErrorContext(ctx, "energy reconciliation anomaly",
				slog.String("counter", ae.CounterID),
				slog.Float64("value", ae.Value),
				slog.Float64("lastValue", ae.LastValue),
				slog.Time("lastAt", ae.LastAt),
				slog.String("reason", ae.Reason),
			)
		}
		res.Anomalies = append(res.Anomalies, err)
	}
	if reset {
		res.Resets = append(res.Resets, id)
	}
	_, ok := s.engine.Counter(id)
	return total, ok
}

func (s *Site) applyStatus(ctx context.Context, rec normalize.Record, at time.Time, res *Result) {
	seen := make(map[string]bool, len(rec.Chargers))
	for i, c := range rec.Chargers {
		if s.retired[c.Serial] {
			continue
		}
		seen[c.Serial] = true
		delete(s.missing, c.Serial)
		if _, ok := s.chargers[c.Serial]; !ok {
			log.Ctx(ctx).InfoContext(ctx, "charger discovered", slog.String("serial", c.Serial))
			res.Discovered = append(res.Discovered, c.Serial)
		}
		var live normalize.LiveSession
		if i < len(rec.Live) {
			live = rec.Live[i]
		}
		s.chargers[c.Serial] = c
		res.Sessions = append(res.Sessions, s.trackSession(c, live, at)...)
	}

	var gone []string
	for serial := range s.chargers {
		if seen[serial] {
			continue
		}
		s.missing[serial]++
		if s.missing[serial] >= s.cfg.MissingPolls {
			gone = append(gone, serial)
		}
	}
	sort.Strings(gone)
	for _, serial := range gone {
		log.Ctx(ctx).InfoContext(ctx, "charger removed",
			slog.String("serial", serial),
			slog.Int("missingPolls", s.missing[serial]),
		)
		s.remove(serial, at, res)
	}
}

// remove drops a charger along with its open session and lifetime counter.
func (s *Site) remove(serial string, at time.Time, res *Result) {
	if open, ok := s.open[serial]; ok {
		res.Sessions = append(res.Sessions, s.closeSession(open, at))
	}
	delete(s.chargers, serial)
	delete(s.summaries, serial)
	delete(s.modes, serial)
	delete(s.missing, serial)
	s.engine.Forget(energy.ChargerCounterID(serial))
	res.Removed = append(res.Removed, serial)
}

// enrich overlays summary metadata, the scheduler mode, the lifetime counter
// and the power estimate onto every charger.
func (s *Site) enrich() {
	for serial, c := range s.chargers {
		if sum, ok := s.summaries[serial]; ok {
			applySummary(&c, sum)
		}
		if mode, ok := s.modes[serial]; ok && mode != "" {
			c.Mode = mode
		}
		if ec, ok := s.engine.Counter(energy.ChargerCounterID(serial)); ok {
			c.LifetimeKWh = ec.Total
			c.LifetimeLastResetAt = ec.LastResetAt
		}
		if c.PowerEstimated {
			c.PowerW = 0
			c.PowerEstimated = false
		}
		normalize.EstimatePower(&c, s.cfg.NominalVoltage)
		s.chargers[serial] = c
	}
}

func applySummary(c *types.ChargerState, sum normalize.Summary) {
	if c.Name == "" {
		c.Name = sum.Name
	}
	if sum.MaxCurrent > 0 {
		c.MaxCurrent = sum.MaxCurrent
	}
	if sum.MinAmps > 0 {
		c.MinAmps = sum.MinAmps
	}
	if sum.MaxAmps > 0 {
		c.MaxAmps = sum.MaxAmps
	}
	if sum.PhaseMode != "" {
		c.PhaseMode = sum.PhaseMode
	}
	if sum.Status != "" {
		c.Status = sum.Status
	}
	if sum.Commissioned != nil {
		c.Commissioned = *sum.Commissioned
	}
	if sum.OperatingVoltage > 0 {
		c.OperatingVoltage = sum.OperatingVoltage
	}
	if sum.FirmwareVersion != "" {
		c.FirmwareVersion = sum.FirmwareVersion
	}
	if sum.HardwareVersion != "" {
		c.HardwareVersion = sum.HardwareVersion
	}
	if sum.DLBEnabled != nil {
		c.DLBEnabled = *sum.DLBEnabled
	}
	if sum.SafeLimitState != "" {
		c.SafeLimitState = sum.SafeLimitState
	}
	if sum.LastReportedAt.After(c.LastReportedAt) {
		c.LastReportedAt = sum.LastReportedAt
	}
}

// Snapshot returns an immutable copy of the site's state.
func (s *Site) Snapshot() types.SiteSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := types.SiteSnapshot{
		SiteID:         s.id,
		UpdatedAt:      s.updatedAt,
		Pass:           s.pass,
		Chargers:       make(map[string]types.ChargerState, len(s.chargers)),
		Sessions:       make([]types.SessionRecord, 0, len(s.closed)+len(s.open)),
		Attributes:     append([]types.AttributeStatus(nil), s.annotations.Attributes...),
		Inventory:      append([]types.InventoryItem(nil), s.inventory...),
		Events:         append([]types.ChargerEvent(nil), s.events...),
		Counters:       s.engine.Counters(),
		Health:         append([]types.SourceHealth(nil), s.annotations.Health...),
		Cadence:        s.annotations.Cadence,
		ReauthRequired: s.annotations.ReauthRequired,
	}
	for serial, c := range s.chargers {
		snap.Chargers[serial] = copyCharger(c)
	}
	for _, sess := range s.closed {
		snap.Sessions = append(snap.Sessions, copySession(sess))
	}
	for _, sess := range s.open {
		snap.Sessions = append(snap.Sessions, copySession(sess))
	}
	sortSessions(snap.Sessions)
	if s.battery != nil {
		b := *s.battery
		snap.Battery = &b
	}
	if len(s.siteEnergy) > 0 {
		snap.SiteEnergy = make(map[string]types.SiteEnergyFlow, len(s.siteEnergy))
		for flow, f := range s.siteEnergy {
			f.Fields = append([]string(nil), f.Fields...)
			f.LastReportDate = copyTime(f.LastReportDate)
			f.LastResetAt = copyTime(f.LastResetAt)
			snap.SiteEnergy[flow] = f
		}
	}
	snap.LiveStreamUntil = copyTime(s.annotations.LiveStreamUntil)
	return snap
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyCharger(c types.ChargerState) types.ChargerState {
	c.LifetimeLastResetAt = copyTime(c.LifetimeLastResetAt)
	return c
}
