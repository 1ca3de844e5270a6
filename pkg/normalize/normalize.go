// Package normalize converts raw Enlighten response bodies into a stable
// record. Every function here is pure: no clocks, no I/O, no shared state.
package normalize

import (
	"bytes"
	"fmt"
	"time"

	"github.com/raterudder/evsync/pkg/types"
)

// Record is the normalized form of one source response. Only the fields for
// Source are populated.
type Record struct {
	Source     types.SourceKind
	ServerTime time.Time

	// status
	Chargers []types.ChargerState
	Live     []LiveSession

	Summaries  []Summary
	Inventory  []types.InventoryItem
	SiteEnergy *SiteEnergy
	Battery    *types.BatteryStatus
	Events     []types.ChargerEvent

	// per charger sources; the caller knows which serial it asked for
	Mode    types.ChargeMode
	History []types.SessionRecord
}

// Normalize parses raw as a response of the given source kind. Missing
// optional fields are left at their zero value; only bodies that aren't JSON
// at all, or that don't have the shape of the source, return an error.
func Normalize(kind types.SourceKind, raw []byte) (Record, error) {
	rec := Record{Source: kind}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return rec, nil
	}

	var err error
	switch kind {
	case types.SourceStatus:
		err = parseStatus(raw, &rec)
	case types.SourceSummary:
		err = parseSummary(raw, &rec)
	case types.SourceInventory:
		err = parseInventory(raw, &rec)
	case types.SourceSiteEnergy:
		err = parseSiteEnergy(raw, &rec)
	case types.SourceBattery:
		err = parseBattery(raw, &rec)
	case types.SourceEvents:
		err = parseEvents(raw, &rec)
	case types.SourceChargeMode:
		err = parseChargeMode(raw, &rec)
	case types.SourceSessionHistory:
		err = parseSessionHistory(raw, &rec)
	default:
		err = fmt.Errorf("unknown source: %s", kind)
	}
	if err != nil {
		return Record{Source: kind}, err
	}
	return rec, nil
}
