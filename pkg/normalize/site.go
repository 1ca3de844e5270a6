package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/raterudder/evsync/pkg/types"
)

// defaultIntervalMinutes is used when lifetime energy doesn't say how long
// its buckets are.
const defaultIntervalMinutes = 5

type rawDevice struct {
	SerialNumber  flexString `json:"serial_number"`
	SerialNumber2 flexString `json:"serialNumber"`
	SN            flexString `json:"sn"`
	Type          flexString `json:"type"`
	DeviceType    flexString `json:"device_type"`
	Name          flexString `json:"name"`
	Status        flexString `json:"status"`
	Retired       flexBool   `json:"retired"`
	IsRetired     flexBool   `json:"isRetired"`
}

func (d rawDevice) item(groupType string) (types.InventoryItem, bool) {
	serial := d.SerialNumber
	if serial == "" {
		serial = d.SerialNumber2
	}
	if serial == "" {
		serial = d.SN
	}
	if serial == "" {
		return types.InventoryItem{}, false
	}
	typ := string(d.Type)
	if typ == "" {
		typ = string(d.DeviceType)
	}
	if typ == "" {
		typ = groupType
	}
	status := string(d.Status)
	return types.InventoryItem{
		Serial:  string(serial),
		Type:    strings.ToLower(typ),
		Name:    string(d.Name),
		Status:  status,
		Retired: d.Retired.V || d.IsRetired.V || strings.EqualFold(status, "retired"),
	}, true
}

// parseInventory accepts both the grouped shape
// {result:[{type, devices:[..]}]} and a flat list of devices.
func parseInventory(raw []byte, rec *Record) error {
	var env struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("error decoding inventory: %w", err)
	}
	result := unwrapString(env.Result)
	if len(result) == 0 || string(result) == "null" {
		return nil
	}
	var groups []json.RawMessage
	if err := json.Unmarshal(result, &groups); err != nil {
		return fmt.Errorf("error decoding inventory result: %w", err)
	}
	for _, g := range groups {
		var group struct {
			Type    flexString        `json:"type"`
			Devices []json.RawMessage `json:"devices"`
		}
		if err := json.Unmarshal(g, &group); err != nil {
			continue
		}
		if group.Devices == nil {
			var d rawDevice
			if err := json.Unmarshal(g, &d); err == nil {
				if it, ok := d.item(""); ok {
					rec.Inventory = append(rec.Inventory, it)
				}
			}
			continue
		}
		for _, rd := range group.Devices {
			var d rawDevice
			if err := json.Unmarshal(rd, &d); err != nil {
				continue
			}
			if it, ok := d.item(string(group.Type)); ok {
				rec.Inventory = append(rec.Inventory, it)
			}
		}
	}
	return nil
}

type rawBattery struct {
	CurrentCharge   flexFloat  `json:"current_charge"`
	AvailableEnergy flexFloat  `json:"available_energy"`
	MaxCapacity     flexFloat  `json:"max_capacity"`
	AvailablePower  flexFloat  `json:"available_power"`
	Status          flexString `json:"status"`
	LastReportAt    flexTime   `json:"last_report_date"`
	Storages        []struct {
		SerialNumber flexString `json:"serial_number"`
		Retired      flexBool   `json:"retired"`
	} `json:"storages"`
}

func parseBattery(raw []byte, rec *Record) error {
	var rb rawBattery
	if err := json.Unmarshal(raw, &rb); err != nil {
		return fmt.Errorf("error decoding battery status: %w", err)
	}
	if !rb.CurrentCharge.Set && !rb.AvailableEnergy.Set && len(rb.Storages) == 0 {
		return nil
	}
	var units int
	for _, s := range rb.Storages {
		if !s.Retired.V {
			units++
		}
	}
	rec.Battery = &types.BatteryStatus{
		SOC:                rb.CurrentCharge.V,
		AvailableEnergyKWh: rb.AvailableEnergy.V,
		MaxCapacityKWh:     rb.MaxCapacity.V,
		PowerW:             rb.AvailablePower.V * 1000,
		Status:             string(rb.Status),
		Units:              units,
		UpdatedAt:          rb.LastReportAt.Time,
	}
	return nil
}

// SiteEnergy is the lifetime energy source aggregated per flow. KWh values
// are raw lifetime totals; they are corrected by the energy engine later.
type SiteEnergy struct {
	Flows           map[string]types.SiteEnergyFlow
	StartDate       string
	LastReportDate  *time.Time
	UpdatePending   bool
	IntervalMinutes float64
}

func sumBuckets(raw json.RawMessage) (float64, int) {
	var vals []flexFloat
	if err := json.Unmarshal(unwrapString(raw), &vals); err != nil {
		return 0, 0
	}
	var total float64
	var count int
	for _, v := range vals {
		if !v.Set || v.V < 0 {
			continue
		}
		total += v.V
		count++
	}
	return total, count
}

func parseSiteEnergy(raw []byte, rec *Record) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return fmt.Errorf("error decoding lifetime energy: %w", err)
	}
	fields, body := top, json.RawMessage(raw)
	if data, ok := top["data"]; ok {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(unwrapString(data), &inner); err == nil && inner != nil {
			fields, body = inner, unwrapString(data)
		}
	}

	var meta struct {
		StartDate       flexString `json:"start_date"`
		LastReportDate  flexTime   `json:"last_report_date"`
		UpdatePending   flexBool   `json:"update_pending"`
		IntervalMinutes flexFloat  `json:"interval_minutes"`
		Interval        flexFloat  `json:"interval"`
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return fmt.Errorf("error decoding lifetime energy metadata: %w", err)
	}
	interval := meta.IntervalMinutes
	if !interval.Set {
		interval = meta.Interval
	}
	minutes := interval.V
	if minutes <= 0 {
		minutes = defaultIntervalMinutes
	}

	se := &SiteEnergy{
		Flows:           make(map[string]types.SiteEnergyFlow),
		StartDate:       string(meta.StartDate),
		LastReportDate:  timePtr(meta.LastReportDate.Time),
		UpdatePending:   meta.UpdatePending.V,
		IntervalMinutes: minutes,
	}
	store := func(flow string, totalWh float64, count int, used ...string) {
		if count <= 0 || totalWh <= 0 {
			return
		}
		se.Flows[flow] = types.SiteEnergyFlow{
			Flow:            flow,
			KWh:             round(totalWh/1000, 3),
			BucketCount:     count,
			Fields:          used,
			IntervalMinutes: minutes,
			LastReportDate:  se.LastReportDate,
			UpdatePending:   se.UpdatePending,
		}
	}
	sum := func(field string) (float64, int) {
		return sumBuckets(fields[field])
	}

	prod, prodN := sum("production")
	store(types.FlowSolarProduction, prod, prodN, "production")

	cons, consN := sum("consumption")
	store(types.FlowConsumption, cons, consN, "consumption")

	if imp, n, ok := diffFlow(cons, consN, fields["solar_home"]); ok {
		store(types.FlowGridImport, imp, n, "consumption", "solar_home")
	} else {
		for _, f := range []string{"import", "grid_home"} {
			if t, n := sum(f); t > 0 && n > 0 {
				store(types.FlowGridImport, t, n, f)
				break
			}
		}
	}

	exp, expN := sum("solar_grid")
	store(types.FlowGridExport, exp, expN, "solar_grid")

	if t, n := sum("charge"); t > 0 && n > 0 {
		store(types.FlowBatteryCharge, t, n, "charge")
	} else if t, n, used := sumFields(fields, "solar_battery", "grid_battery"); t > 0 {
		store(types.FlowBatteryCharge, t, n, used...)
	}

	if t, n := sum("discharge"); t > 0 && n > 0 {
		store(types.FlowBatteryDischarge, t, n, "discharge")
	} else if t, n, used := sumFields(fields, "battery_home", "battery_grid"); t > 0 {
		store(types.FlowBatteryDischarge, t, n, used...)
	}

	rec.SiteEnergy = se
	return nil
}

// diffFlow derives grid import as consumption minus solar-to-home.
func diffFlow(pos float64, posN int, sub json.RawMessage) (float64, int, bool) {
	if pos <= 0 || posN <= 0 {
		return 0, 0, false
	}
	neg, negN := sumBuckets(sub)
	if negN <= 0 || pos <= neg {
		return 0, 0, false
	}
	return pos - neg, max(min(posN, negN), 1), true
}

func sumFields(fields map[string]json.RawMessage, names ...string) (float64, int, []string) {
	var total float64
	var count int
	var used []string
	for _, name := range names {
		t, n := sumBuckets(fields[name])
		if t <= 0 || n <= 0 {
			continue
		}
		total += t
		count = max(count, n)
		used = append(used, name)
	}
	return total, count, used
}
