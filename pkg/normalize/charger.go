package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/raterudder/evsync/pkg/types"
)

type rawEvent struct {
	SerialNumber flexString `json:"serialNumber"`
	SN           flexString `json:"sn"`
	EventType    flexString `json:"eventType"`
	Type         flexString `json:"type"`
	Description  flexString `json:"description"`
	Message      flexString `json:"message"`
	EventTime    flexTime   `json:"eventTime"`
	Timestamp    flexTime   `json:"timestamp"`
}

func parseEvents(raw []byte, rec *Record) error {
	items, err := listField(raw, "data", "events", "result")
	if err != nil {
		return fmt.Errorf("error decoding events: %w", err)
	}
	for _, item := range items {
		var re rawEvent
		if err := json.Unmarshal(item, &re); err != nil {
			continue
		}
		ev := types.ChargerEvent{
			Serial:      string(firstString(re.SerialNumber, re.SN)),
			Type:        string(firstString(re.EventType, re.Type)),
			Description: string(firstString(re.Description, re.Message)),
			Time:        re.EventTime.Time,
		}
		if ev.Time.IsZero() {
			ev.Time = re.Timestamp.Time
		}
		if ev.Type == "" && ev.Description == "" {
			continue
		}
		rec.Events = append(rec.Events, ev)
	}
	return nil
}

// parseChargeMode picks the enabled entry of the scheduler preference.
func parseChargeMode(raw []byte, rec *Record) error {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("error decoding charge mode: %w", err)
	}
	var data struct {
		Modes json.RawMessage `json:"modes"`
	}
	if err := json.Unmarshal(unwrapString(env.Data), &data); err != nil {
		return nil
	}
	var modes map[string]struct {
		Enabled      flexBool   `json:"enabled"`
		ChargingMode flexString `json:"chargingMode"`
	}
	if err := json.Unmarshal(unwrapString(data.Modes), &modes); err != nil {
		return nil
	}
	for _, key := range []string{"greenCharging", "scheduledCharging", "manualCharging"} {
		m, ok := modes[key]
		if ok && m.Enabled.V && m.ChargingMode != "" {
			rec.Mode = types.ChargeMode(m.ChargingMode)
			return nil
		}
	}
	return nil
}

type rawHistory struct {
	SessionID      flexString `json:"sessionId"`
	StartTime      flexTime   `json:"startTime"`
	EndTime        flexTime   `json:"endTime"`
	AggEnergyValue flexFloat  `json:"aggEnergyValue"`
	MilesAdded     flexFloat  `json:"milesAdded"`
	SessionCost    flexFloat  `json:"sessionCost"`
	AuthType       flexString `json:"authType"`
	AuthIdentifier flexString `json:"authIdentifier"`
}

// parseSessionHistory reads {data:{result:[..]}}. Energy values use the
// same Wh heuristic as the live session block.
func parseSessionHistory(raw []byte, rec *Record) error {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("error decoding session history: %w", err)
	}
	items, err := listField(unwrapString(env.Data), "result")
	if err != nil {
		return fmt.Errorf("error decoding session history data: %w", err)
	}
	for _, item := range items {
		var rh rawHistory
		if err := json.Unmarshal(item, &rh); err != nil || rh.StartTime.IsZero() {
			continue
		}
		id := string(rh.SessionID)
		if id == "" {
			id = strconv.FormatInt(rh.StartTime.Unix(), 10)
		}
		s := types.SessionRecord{
			ID:             id,
			Start:          rh.StartTime.Time,
			End:            timePtr(rh.EndTime.Time),
			EnergyKWh:      sessionEnergy(rh.AggEnergyValue),
			RangeAdded:     rh.MilesAdded.V,
			AuthType:       string(rh.AuthType),
			AuthIdentifier: string(rh.AuthIdentifier),
		}
		if rh.SessionCost.Set {
			c := rh.SessionCost.V
			s.Cost = &c
		}
		rec.History = append(rec.History, s)
	}
	return nil
}

// listField returns the first of keys holding a list. A body that is itself
// a list is returned as is.
func listField(raw []byte, keys ...string) ([]json.RawMessage, error) {
	raw = unwrapString(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var list []json.RawMessage
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	for _, k := range keys {
		v := unwrapString(obj[k])
		if len(v) == 0 || v[0] != '[' {
			continue
		}
		if err := json.Unmarshal(v, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	return nil, nil
}

func firstString(vals ...flexString) flexString {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
