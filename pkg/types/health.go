package types

import "time"

// SourceKind identifies one polled endpoint family.
type SourceKind string

const (
	SourceStatus         SourceKind = "status"
	SourceSummary        SourceKind = "summary"
	SourceInventory      SourceKind = "inventory"
	SourceSiteEnergy     SourceKind = "site_energy"
	SourceBattery        SourceKind = "battery"
	SourceEvents         SourceKind = "events"
	SourceChargeMode     SourceKind = "charge_mode"
	SourceSessionHistory SourceKind = "session_history"
)

// ChargerScoped returns true if the source only matters when chargers are polled.
func (k SourceKind) ChargerScoped() bool {
	switch k {
	case SourceStatus, SourceSummary, SourceEvents, SourceChargeMode, SourceSessionHistory:
		return true
	}
	return false
}

// SourceHealth is the failure tracking state of a source for one site.
type SourceHealth struct {
	SiteID              string     `json:"siteID"`
	Source              SourceKind `json:"source"`
	LastSuccess         time.Time  `json:"lastSuccess"`
	LastFailure         time.Time  `json:"lastFailure"`
	LastStatus          int        `json:"lastStatus,omitempty"`
	LastClass           string     `json:"lastClass,omitempty"`
	LastMessage         string     `json:"lastMessage,omitempty"`
	BackoffUntil        time.Time  `json:"backoffUntil"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

// InventoryItem is one device in the site's inventory.
type InventoryItem struct {
	Serial  string `json:"serial"`
	Type    string `json:"type"`
	Name    string `json:"name,omitempty"`
	Status  string `json:"status,omitempty"`
	Retired bool   `json:"retired"`
}

// ChargerEvent is one entry from the charger event log.
type ChargerEvent struct {
	Serial      string    `json:"serial"`
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Time        time.Time `json:"time"`
}
