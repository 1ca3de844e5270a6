package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/raterudder/evsync/pkg/types"
)

// statusShape tags which envelope a status body used.
type statusShape int

const (
	shapeEmpty statusShape = iota
	// shapeNested is {meta:{serverTimeStamp}, data:{chargers:[..]}, error}.
	shapeNested
	// shapeLegacy is {evChargerData:[..], ts}.
	shapeLegacy
)

func (s statusShape) String() string {
	switch s {
	case shapeNested:
		return "nested"
	case shapeLegacy:
		return "legacy"
	}
	return "empty"
}

// LiveSession is the in-progress session block reported with a charger's
// status.
type LiveSession struct {
	Serial       string
	EnergyKWh    float64
	RangeAdded   float64
	Start        *time.Time
	PluggedInAt  *time.Time
	PluggedOutAt *time.Time
	AuthType     string
}

// chargerRow is the shape-independent form of one charger in a status body.
// Both envelopes are converted into rows before anything else looks at them.
type chargerRow struct {
	serial    string
	name      string
	connected bool
	plugged   bool
	charging  bool
	faulted   bool

	status    string
	reason    string
	dlbActive bool

	level    int
	power    flexFloat
	reported time.Time

	commissioned flexBool

	session LiveSession
}

type statusEnvelope struct {
	shape      statusShape
	serverTime time.Time
	rows       []chargerRow
}

type connector struct {
	ConnectorStatusType   flexString `json:"connectorStatusType"`
	ConnectorStatusReason flexString `json:"connectorStatusReason"`
	DLBActive             flexBool   `json:"dlbActive"`
	PluggedIn             flexBool   `json:"pluggedIn"`
	Commissioned          flexBool   `json:"commissioned"`
	PowerW                flexFloat  `json:"powerW"`
	Power                 flexFloat  `json:"power"`
}

type sessionBlock struct {
	EnergyConsumed flexFloat  `json:"e_c"`
	StartCharging  flexFloat  `json:"strt_chrg"`
	StartTime      flexTime   `json:"start_time"`
	Miles          flexFloat  `json:"miles"`
	PlugInAt       flexTime   `json:"plg_in_at"`
	PlugOutAt      flexTime   `json:"plg_out_at"`
	AuthType       flexString `json:"auth_type"`
}

// chargerCommon holds the fields both envelopes spell the same way.
type chargerCommon struct {
	SN             flexString   `json:"sn"`
	Name           flexString   `json:"name"`
	Connected      flexBool     `json:"connected"`
	PluggedIn      flexBool     `json:"pluggedIn"`
	Charging       flexBool     `json:"charging"`
	Faulted        flexBool     `json:"faulted"`
	ChargingLevel  flexFloat    `json:"chargingLevel"`
	PowerW         flexFloat    `json:"powerW"`
	Power          flexFloat    `json:"power"`
	ActivePower    flexFloat    `json:"activePower"`
	LastReportedAt flexTime     `json:"lst_rpt_at"`
	Commissioned   flexBool     `json:"commissioned"`
	IsCommissioned flexBool     `json:"isCommissioned"`
	Session        sessionBlock `json:"session_d"`
}

type nestedCharger struct {
	chargerCommon
	Connectors []connector `json:"connectors"`
}

type legacyCharger struct {
	chargerCommon
	ConnectorStatusType   flexString  `json:"connectorStatusType"`
	ConnectorStatusReason flexString  `json:"connectorStatusReason"`
	DLBActive             flexBool    `json:"dlbActive"`
	Connectors            []connector `json:"connectors"`
}

type rawStatus struct {
	Meta struct {
		ServerTimeStamp flexTime `json:"serverTimeStamp"`
	} `json:"meta"`
	Data          json.RawMessage `json:"data"`
	Error         json.RawMessage `json:"error"`
	EVChargerData json.RawMessage `json:"evChargerData"`
	TS            flexTime        `json:"ts"`
}

// ErrUpstream is returned when a nested envelope carries an error and no data.
var ErrUpstream = errors.New("upstream returned an error envelope")

// decodeStatus resolves the envelope once and converts it to rows.
func decodeStatus(raw []byte) (statusEnvelope, error) {
	var rs rawStatus
	if err := json.Unmarshal(raw, &rs); err != nil {
		return statusEnvelope{}, fmt.Errorf("error decoding status: %w", err)
	}

	if len(rs.EVChargerData) > 0 && string(rs.EVChargerData) != "null" {
		var chargers []json.RawMessage
		if err := json.Unmarshal(unwrapString(rs.EVChargerData), &chargers); err != nil {
			return statusEnvelope{}, fmt.Errorf("error decoding evChargerData: %w", err)
		}
		env := statusEnvelope{shape: shapeLegacy, serverTime: rs.TS.Time}
		for _, c := range chargers {
			var lc legacyCharger
			if err := json.Unmarshal(c, &lc); err != nil {
				// entries that aren't objects are skipped
				continue
			}
			if row, ok := lc.row(); ok {
				env.rows = append(env.rows, row)
			}
		}
		return env, nil
	}

	data := unwrapString(rs.Data)
	if len(data) == 0 || string(data) == "null" {
		if len(rs.Error) > 0 && string(rs.Error) != "null" && string(rs.Error) != "{}" {
			return statusEnvelope{}, fmt.Errorf("%w: %s", ErrUpstream, errorText(rs.Error))
		}
		return statusEnvelope{shape: shapeEmpty, serverTime: rs.Meta.ServerTimeStamp.Time}, nil
	}
	var nd struct {
		Chargers []json.RawMessage `json:"chargers"`
	}
	if err := json.Unmarshal(data, &nd); err != nil {
		return statusEnvelope{}, fmt.Errorf("error decoding status data: %w", err)
	}
	env := statusEnvelope{shape: shapeNested, serverTime: rs.Meta.ServerTimeStamp.Time}
	for _, c := range nd.Chargers {
		var nc nestedCharger
		if err := json.Unmarshal(c, &nc); err != nil {
			continue
		}
		if row, ok := nc.row(); ok {
			env.rows = append(env.rows, row)
		}
	}
	return env, nil
}

func errorText(raw json.RawMessage) string {
	var e struct {
		Message flexString `json:"message"`
	}
	if err := json.Unmarshal(raw, &e); err == nil && e.Message != "" {
		return string(e.Message)
	}
	return string(raw)
}

func (c chargerCommon) baseRow() (chargerRow, bool) {
	if c.SN == "" {
		return chargerRow{}, false
	}
	commissioned := c.Commissioned
	if !commissioned.Set {
		commissioned = c.IsCommissioned
	}
	power := c.PowerW
	for _, p := range []flexFloat{c.Power, c.ActivePower} {
		if !power.Set {
			power = p
		}
	}
	return chargerRow{
		serial:       string(c.SN),
		name:         string(c.Name),
		connected:    c.Connected.V,
		plugged:      c.PluggedIn.V,
		charging:     c.Charging.V,
		faulted:      c.Faulted.V,
		level:        c.ChargingLevel.Int(),
		power:        power,
		reported:     c.LastReportedAt.Time,
		commissioned: commissioned,
		session:      c.Session.live(string(c.SN)),
	}, true
}

func (s sessionBlock) live(serial string) LiveSession {
	start := s.StartTime.Time
	if s.StartCharging.Set {
		// strt_chrg is always milliseconds; truncate to seconds like start_time
		start = epoch(float64(int64(s.StartCharging.V) / 1000))
	}
	return LiveSession{
		Serial:       serial,
		EnergyKWh:    sessionEnergy(s.EnergyConsumed),
		RangeAdded:   s.Miles.V,
		Start:        timePtr(start),
		PluggedInAt:  timePtr(s.PlugInAt.Time),
		PluggedOutAt: timePtr(s.PlugOutAt.Time),
		AuthType:     string(s.AuthType),
	}
}

func (c connector) apply(row *chargerRow) {
	if row.status == "" {
		row.status = string(c.ConnectorStatusType)
	}
	if row.reason == "" {
		row.reason = string(c.ConnectorStatusReason)
	}
	row.dlbActive = row.dlbActive || c.DLBActive.V
	row.plugged = row.plugged || c.PluggedIn.V
	if !row.commissioned.Set {
		row.commissioned = c.Commissioned
	}
	if !row.power.Set {
		row.power = c.PowerW
	}
	if !row.power.Set {
		row.power = c.Power
	}
}

func (nc nestedCharger) row() (chargerRow, bool) {
	row, ok := nc.baseRow()
	if !ok {
		return row, false
	}
	if len(nc.Connectors) > 0 {
		nc.Connectors[0].apply(&row)
	}
	return row, true
}

func (lc legacyCharger) row() (chargerRow, bool) {
	row, ok := lc.baseRow()
	if !ok {
		return row, false
	}
	row.status = string(lc.ConnectorStatusType)
	row.reason = string(lc.ConnectorStatusReason)
	row.dlbActive = lc.DLBActive.V
	if len(lc.Connectors) > 0 {
		lc.Connectors[0].apply(&row)
	}
	return row, true
}

func (r chargerRow) state(serverTime time.Time) types.ChargerState {
	reported := r.reported
	if reported.IsZero() {
		reported = serverTime
	}
	st := types.ChargerState{
		Serial:                r.serial,
		Name:                  r.name,
		Connected:             r.connected,
		Plugged:               r.plugged,
		Charging:              r.charging,
		Faulted:               r.faulted,
		ConnectorStatus:       types.ConnectorStatus(r.status),
		ConnectorStatusReason: r.reason,
		ChargingLevel:         r.level,
		PowerW:                r.power.V,
		LastReportedAt:        reported,
		DLBActive:             r.dlbActive,
		Commissioned:          r.commissioned.V,
		SessionEnergyKWh:      r.session.EnergyKWh,
		SessionRangeAdded:     r.session.RangeAdded,
	}
	if st.ConnectorStatus == types.ConnectorFaulted {
		st.Faulted = true
	}
	return st
}

func parseStatus(raw []byte, rec *Record) error {
	env, err := decodeStatus(raw)
	if err != nil {
		return err
	}
	rec.ServerTime = env.serverTime
	for _, row := range env.rows {
		rec.Chargers = append(rec.Chargers, row.state(env.serverTime))
		rec.Live = append(rec.Live, row.session)
	}
	return nil
}

// EstimatePower fills PowerW from the charging level when the backend didn't
// report power. operatingVoltage wins over nominalVoltage when known.
func EstimatePower(c *types.ChargerState, nominalVoltage float64) {
	if c.PowerW > 0 || !c.Charging || c.ChargingLevel <= 0 {
		return
	}
	v := c.OperatingVoltage
	if v <= 0 {
		v = nominalVoltage
	}
	if v <= 0 {
		return
	}
	c.PowerW = float64(c.ChargingLevel) * v
	c.PowerEstimated = true
}
