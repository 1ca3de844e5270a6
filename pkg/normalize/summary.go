package normalize

import (
	"encoding/json"
	"fmt"
	"time"
)

// Summary is the per-charger metadata from the summary source.
type Summary struct {
	Serial           string
	Name             string
	MaxCurrent       int
	MinAmps          int
	MaxAmps          int
	PhaseMode        string
	Status           string
	Commissioned     *bool
	LastReportedAt   time.Time
	OperatingVoltage float64
	FirmwareVersion  string
	HardwareVersion  string
	DLBEnabled       *bool
	SafeLimitState   string
	// LifetimeKWh is nil when the backend didn't report it.
	LifetimeKWh *float64
}

type rawSummary struct {
	SerialNumber       flexString `json:"serialNumber"`
	DisplayName        flexString `json:"displayName"`
	MaxCurrent         flexFloat  `json:"maxCurrent"`
	ChargeLevelDetails struct {
		Min flexFloat `json:"min"`
		Max flexFloat `json:"max"`
	} `json:"chargeLevelDetails"`
	PhaseMode           flexString `json:"phaseMode"`
	Status              flexString `json:"status"`
	CommissioningStatus flexBool   `json:"commissioningStatus"`
	LastReportedAt      flexTime   `json:"lastReportedAt"`
	OperatingVoltage    flexFloat  `json:"operatingVoltage"`
	FirmwareVersion     flexString `json:"firmwareVersion"`
	ProcessorBoardVer   flexString `json:"processorBoardVersion"`
	HardwareVersion     flexString `json:"hardwareVersion"`
	IsLocallyConnected  flexBool   `json:"isLocallyConnected"`
	DLBEnabled          flexBool   `json:"dlbEnabled"`
	SafeLimitState      flexString `json:"safeLimitState"`
	LifeTimeConsumption flexFloat  `json:"lifeTimeConsumption"`
}

func parseSummary(raw []byte, rec *Record) error {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("error decoding summary: %w", err)
	}
	data := unwrapString(env.Data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("error decoding summary data: %w", err)
	}
	for _, item := range items {
		var rs rawSummary
		if err := json.Unmarshal(item, &rs); err != nil || rs.SerialNumber == "" {
			continue
		}
		s := Summary{
			Serial:           string(rs.SerialNumber),
			Name:             string(rs.DisplayName),
			MaxCurrent:       rs.MaxCurrent.Int(),
			MinAmps:          rs.ChargeLevelDetails.Min.Int(),
			MaxAmps:          rs.ChargeLevelDetails.Max.Int(),
			PhaseMode:        string(rs.PhaseMode),
			Status:           string(rs.Status),
			LastReportedAt:   rs.LastReportedAt.Time,
			OperatingVoltage: rs.OperatingVoltage.V,
			FirmwareVersion:  string(rs.FirmwareVersion),
			HardwareVersion:  string(rs.HardwareVersion),
			SafeLimitState:   string(rs.SafeLimitState),
		}
		if s.HardwareVersion == "" {
			s.HardwareVersion = string(rs.ProcessorBoardVer)
		}
		if rs.CommissioningStatus.Set {
			v := rs.CommissioningStatus.V
			s.Commissioned = &v
		}
		if rs.DLBEnabled.Set {
			v := rs.DLBEnabled.V
			s.DLBEnabled = &v
		}
		if rs.LifeTimeConsumption.Set && rs.LifeTimeConsumption.V >= 0 {
			v := rs.LifeTimeConsumption.V
			if v > whThreshold {
				v = round(v/1000, 3)
			}
			s.LifetimeKWh = &v
		}
		rec.Summaries = append(rec.Summaries, s)
	}
	return nil
}
