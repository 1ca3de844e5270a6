package types

import "time"

// SessionRecord is one plug-in to plug-out interval on a charger.
type SessionRecord struct {
	// ID is the provider session id when known, otherwise the plug-in unix
	// timestamp.
	ID         string     `json:"id"`
	Serial     string     `json:"serial"`
	Start      time.Time  `json:"start"`
	End        *time.Time `json:"end,omitempty"`
	EnergyKWh  float64    `json:"energyKWh"`
	RangeAdded float64    `json:"rangeAdded,omitempty"`
	Cost       *float64   `json:"cost,omitempty"`

	AuthType       string `json:"authType,omitempty"`
	AuthIdentifier string `json:"authIdentifier,omitempty"`
}

// Open returns true while the session has not been closed.
func (s SessionRecord) Open() bool {
	return s.End == nil
}

// Duration returns the session length, up to now if it's still open.
func (s SessionRecord) Duration(now time.Time) time.Duration {
	if s.End != nil {
		return s.End.Sub(s.Start)
	}
	return now.Sub(s.Start)
}
