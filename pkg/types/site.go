package types

import "time"

// SiteIDNone is used when running with a single unnamed site.
const SiteIDNone = "none"

// Site is a configured site and the account credentials used for it.
type Site struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	Credentials Credentials `json:"-"`
}

// SiteSnapshot is an immutable point-in-time copy of a site's canonical state.
type SiteSnapshot struct {
	SiteID    string    `json:"siteID"`
	UpdatedAt time.Time `json:"updatedAt"`
	Pass      uint64    `json:"pass"`

	Chargers   map[string]ChargerState   `json:"chargers"`
	Sessions   []SessionRecord           `json:"sessions"`
	Attributes []AttributeStatus         `json:"attributes,omitempty"`
	Battery    *BatteryStatus            `json:"battery,omitempty"`
	SiteEnergy map[string]SiteEnergyFlow `json:"siteEnergy,omitempty"`
	Inventory  []InventoryItem           `json:"inventory,omitempty"`
	Events     []ChargerEvent            `json:"events,omitempty"`
	Counters   map[string]EnergyCounter  `json:"counters,omitempty"`
	Health     []SourceHealth            `json:"health,omitempty"`

	Cadence         string     `json:"cadence,omitempty"`
	LiveStreamUntil *time.Time `json:"liveStreamUntil,omitempty"`
	ReauthRequired  bool       `json:"reauthRequired"`
}

// OpenSession returns the open session for a serial, if any.
func (s SiteSnapshot) OpenSession(serial string) (SessionRecord, bool) {
	for _, sess := range s.Sessions {
		if sess.Serial == serial && sess.Open() {
			return sess, true
		}
	}
	return SessionRecord{}, false
}
