package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/raterudder/evsync/pkg/types"
)

// MemoryProvider keeps everything in process. Data is lost on restart; it
// exists for local runs and tests that don't want a Firestore emulator.
type MemoryProvider struct {
	mu       sync.Mutex
	settings map[string]memorySettings
	sessions map[string]map[string]types.SessionRecord
	counters map[string]map[string]types.EnergyCounter
	sites    map[string]types.Site
}

type memorySettings struct {
	settings types.Settings
	version  int
}

var _ Database = (*MemoryProvider)(nil)

// NewMemoryProvider returns an empty in-memory database.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		settings: make(map[string]memorySettings),
		sessions: make(map[string]map[string]types.SessionRecord),
		counters: make(map[string]map[string]types.EnergyCounter),
		sites:    make(map[string]types.Site),
	}
}

func (m *MemoryProvider) Close() error {
	return nil
}

// GetSettings mirrors Firestore: a missing document is version 0 with zero
// settings so the caller migrates to defaults.
func (m *MemoryProvider) GetSettings(ctx context.Context, siteID string) (types.Settings, int, error) {
	if siteID == "" {
		return types.Settings{}, 0, fmt.Errorf("siteID cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settings[siteID]
	if !ok {
		return types.Settings{}, 0, nil
	}
	settings := s.settings
	settings.EncryptedCredentials = bytes.Clone(s.settings.EncryptedCredentials)
	return settings, s.version, nil
}

func (m *MemoryProvider) SetSettings(ctx context.Context, siteID string, settings types.Settings, version int) error {
	if siteID == "" {
		return fmt.Errorf("siteID cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[siteID] = memorySettings{settings: settings, version: version}
	return nil
}

func (m *MemoryProvider) UpsertSessions(ctx context.Context, siteID string, sessions []types.SessionRecord) error {
	if len(sessions) == 0 {
		return nil
	}
	if siteID == "" {
		return fmt.Errorf("siteID cannot be empty")
	}
	for _, sess := range sessions {
		if sess.Serial == "" || sess.Start.IsZero() {
			return fmt.Errorf("session %q missing serial or start", sess.ID)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.sessions[siteID]
	if coll == nil {
		coll = make(map[string]types.SessionRecord)
		m.sessions[siteID] = coll
	}
	for _, sess := range sessions {
		coll[sessionDocID(sess)] = sess
	}
	return nil
}

// GetSessions returns sessions that started in [start, end), oldest first.
func (m *MemoryProvider) GetSessions(ctx context.Context, siteID string, start, end time.Time) ([]types.SessionRecord, error) {
	if siteID == "" {
		return nil, fmt.Errorf("siteID cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var sessions []types.SessionRecord
	for _, sess := range m.sessions[siteID] {
		if sess.Start.Before(start) || !sess.Start.Before(end) {
			continue
		}
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessionDocID(sessions[i]) < sessionDocID(sessions[j])
	})
	return sessions, nil
}

func (m *MemoryProvider) UpsertCounters(ctx context.Context, siteID string, counters []types.EnergyCounter) error {
	if len(counters) == 0 {
		return nil
	}
	if siteID == "" {
		return fmt.Errorf("siteID cannot be empty")
	}
	for _, c := range counters {
		if c.ID == "" {
			return fmt.Errorf("energy counter missing id")
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.counters[siteID]
	if coll == nil {
		coll = make(map[string]types.EnergyCounter)
		m.counters[siteID] = coll
	}
	for _, c := range counters {
		coll[c.ID] = c
	}
	return nil
}

func (m *MemoryProvider) GetCounters(ctx context.Context, siteID string) ([]types.EnergyCounter, error) {
	if siteID == "" {
		return nil, fmt.Errorf("siteID cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	counters := make([]types.EnergyCounter, 0, len(m.counters[siteID]))
	for _, c := range m.counters[siteID] {
		counters = append(counters, c)
	}
	sort.Slice(counters, func(i, j int) bool { return counters[i].ID < counters[j].ID })
	return counters, nil
}

func (m *MemoryProvider) GetSite(ctx context.Context, siteID string) (types.Site, error) {
	if siteID == "" {
		return types.Site{}, fmt.Errorf("siteID cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	site, ok := m.sites[siteID]
	if !ok {
		return types.Site{}, fmt.Errorf("%w: %s", ErrSiteNotFound, siteID)
	}
	return site, nil
}

func (m *MemoryProvider) ListSites(ctx context.Context) ([]types.Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sites := make([]types.Site, 0, len(m.sites))
	for _, site := range m.sites {
		sites = append(sites, site)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].ID < sites[j].ID })
	return sites, nil
}

func (m *MemoryProvider) UpdateSite(ctx context.Context, siteID string, site types.Site) error {
	if siteID == "" {
		return fmt.Errorf("siteID cannot be empty")
	}
	site.ID = siteID
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sites[siteID] = site
	return nil
}
