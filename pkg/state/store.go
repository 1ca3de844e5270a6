// Package state is the canonical state of every site. A site's state is only
// written from that site's reconciliation pass and is read through immutable
// snapshots.
package state

import (
	"sort"
	"sync"

	"github.com/raterudder/evsync/pkg/types"
)

// Store holds the state of every configured site.
type Store struct {
	mu    sync.RWMutex
	sites map[string]*Site
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{sites: make(map[string]*Site)}
}

// Site returns the state of siteID, creating it with cfg if it doesn't exist.
func (s *Store) Site(siteID string, cfg Config) *Site {
	s.mu.RLock()
	site, ok := s.sites[siteID]
	s.mu.RUnlock()
	if ok {
		return site
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if site, ok := s.sites[siteID]; ok {
		return site
	}
	site = newSite(siteID, cfg)
	s.sites[siteID] = site
	return site
}

// Get returns the state of siteID if it exists.
func (s *Store) Get(siteID string) (*Site, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[siteID]
	return site, ok
}

// Snapshot returns a copy of siteID's state.
func (s *Store) Snapshot(siteID string) (types.SiteSnapshot, bool) {
	site, ok := s.Get(siteID)
	if !ok {
		return types.SiteSnapshot{}, false
	}
	return site.Snapshot(), true
}

// IDs returns the ids of every site, sorted.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sites))
	for id := range s.sites {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
