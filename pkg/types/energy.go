package types

import "time"

// EnergyUnit is the unit a counter's source reports in.
type EnergyUnit string

const (
	UnitKWh EnergyUnit = "kWh"
	UnitWh  EnergyUnit = "Wh"
)

// EnergyCounter tracks a single monotonic energy source. Values are kWh.
type EnergyCounter struct {
	ID             string     `json:"id"`
	LastValue      float64    `json:"lastValue"`
	LastAt         time.Time  `json:"lastAt"`
	Unit           EnergyUnit `json:"unit"`
	Total          float64    `json:"total"`
	LastResetValue *float64   `json:"lastResetValue,omitempty"`
	LastResetAt    *time.Time `json:"lastResetAt,omitempty"`
}

// Site energy flows derived from the lifetime energy source.
const (
	FlowSolarProduction  = "solar_production"
	FlowConsumption      = "consumption"
	FlowGridImport       = "grid_import"
	FlowGridExport       = "grid_export"
	FlowBatteryCharge    = "battery_charge"
	FlowBatteryDischarge = "battery_discharge"
)

// SiteEnergyFlow is a corrected lifetime total for one site energy flow.
type SiteEnergyFlow struct {
	Flow            string     `json:"flow"`
	KWh             float64    `json:"kWh"`
	BucketCount     int        `json:"bucketCount"`
	Fields          []string   `json:"fields"`
	IntervalMinutes float64    `json:"intervalMinutes"`
	LastReportDate  *time.Time `json:"lastReportDate,omitempty"`
	UpdatePending   bool       `json:"updatePending,omitempty"`
	LastResetAt     *time.Time `json:"lastResetAt,omitempty"`
}

// BatteryStatus is the aggregate state of the site's batteries.
type BatteryStatus struct {
	SOC                float64   `json:"soc"`
	AvailableEnergyKWh float64   `json:"availableEnergyKWh"`
	MaxCapacityKWh     float64   `json:"maxCapacityKWh"`
	PowerW             float64   `json:"powerW"`
	Status             string    `json:"status,omitempty"`
	Units              int       `json:"units"`
	UpdatedAt          time.Time `json:"updatedAt"`
}
