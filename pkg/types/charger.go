package types

import (
	"strconv"
	"time"
)

// ConnectorStatus is the status reported for a charger's connector. Values
// outside the known set are kept as-is.
type ConnectorStatus string

const (
	ConnectorAvailable     ConnectorStatus = "AVAILABLE"
	ConnectorPreparing     ConnectorStatus = "PREPARING"
	ConnectorCharging      ConnectorStatus = "CHARGING"
	ConnectorFinishing     ConnectorStatus = "FINISHING"
	ConnectorSuspended     ConnectorStatus = "SUSPENDED"
	ConnectorSuspendedEV   ConnectorStatus = "SUSPENDED_EV"
	ConnectorSuspendedEVSE ConnectorStatus = "SUSPENDED_EVSE"
	ConnectorFaulted       ConnectorStatus = "FAULTED"
	ConnectorUnavailable   ConnectorStatus = "UNAVAILABLE"
)

// Known returns true if the status is one of the recognized values.
func (c ConnectorStatus) Known() bool {
	switch c {
	case ConnectorAvailable, ConnectorPreparing, ConnectorCharging, ConnectorFinishing,
		ConnectorSuspended, ConnectorSuspendedEV, ConnectorSuspendedEVSE,
		ConnectorFaulted, ConnectorUnavailable:
		return true
	}
	return false
}

// ActiveSession returns true for statuses that mean energy is flowing or
// about to resume.
func (c ConnectorStatus) ActiveSession() bool {
	switch c {
	case ConnectorCharging, ConnectorSuspended, ConnectorSuspendedEV, ConnectorSuspendedEVSE:
		return true
	}
	return false
}

// ChargeMode is the scheduler preference of a charger.
type ChargeMode string

const (
	ChargeModeManual    ChargeMode = "MANUAL_CHARGING"
	ChargeModeScheduled ChargeMode = "SCHEDULED_CHARGING"
	ChargeModeGreen     ChargeMode = "GREEN_CHARGING"
)

// Valid returns true if the mode can be sent to the scheduler.
func (m ChargeMode) Valid() bool {
	switch m {
	case ChargeModeManual, ChargeModeScheduled, ChargeModeGreen:
		return true
	}
	return false
}

// ChargerState is the canonical state of one physical charger.
type ChargerState struct {
	Serial    string `json:"serial"`
	Name      string `json:"name,omitempty"`
	Connected bool   `json:"connected"`
	Plugged   bool   `json:"plugged"`
	Charging  bool   `json:"charging"`
	Faulted   bool   `json:"faulted"`

	ConnectorStatus       ConnectorStatus `json:"connectorStatus,omitempty"`
	ConnectorStatusReason string          `json:"connectorStatusReason,omitempty"`

	Mode          ChargeMode `json:"mode,omitempty"`
	ChargingLevel int        `json:"chargingLevel,omitempty"`
	MinAmps       int        `json:"minAmps,omitempty"`
	MaxAmps       int        `json:"maxAmps,omitempty"`
	MaxCurrent    int        `json:"maxCurrent,omitempty"`
	PhaseMode     string     `json:"phaseMode,omitempty"`
	Status        string     `json:"status,omitempty"`
	Commissioned  bool       `json:"commissioned"`

	FirmwareVersion string `json:"firmwareVersion,omitempty"`
	HardwareVersion string `json:"hardwareVersion,omitempty"`

	OperatingVoltage float64 `json:"operatingVoltage,omitempty"`
	PowerW           float64 `json:"powerW"`
	PowerEstimated   bool    `json:"powerEstimated,omitempty"`

	LastReportedAt time.Time `json:"lastReportedAt"`

	DLBEnabled     bool   `json:"dlbEnabled"`
	DLBActive      bool   `json:"dlbActive"`
	SafeLimitState string `json:"safeLimitState,omitempty"`

	SessionEnergyKWh    float64    `json:"sessionEnergyKWh"`
	SessionRangeAdded   float64    `json:"sessionRangeAdded,omitempty"`
	LifetimeKWh         float64    `json:"lifetimeKWh"`
	LifetimeLastResetAt *time.Time `json:"lifetimeLastResetAt,omitempty"`
}

// Active returns true if the charger should keep the site on the fast cadence.
func (c ChargerState) Active() bool {
	return c.Charging || c.ConnectorStatus.ActiveSession()
}

// AttributeValue returns the canonical string form of a controllable attribute
// so it can be compared against an optimistic hold.
func (c ChargerState) AttributeValue(attr Attribute) string {
	switch attr {
	case AttributeCharging:
		return strconv.FormatBool(c.Charging)
	case AttributeMode:
		return string(c.Mode)
	case AttributeAmps:
		return strconv.Itoa(c.ChargingLevel)
	}
	return ""
}
