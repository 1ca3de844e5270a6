package normalize

import (
	"testing"
	"time"

	"github.com/raterudder/evsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const nestedStatus = `{
	"meta": {"serverTimeStamp": 1714550400000},
	"data": {"chargers": [{
		"sn": "EV1",
		"name": "Garage",
		"connected": true,
		"pluggedIn": false,
		"charging": true,
		"faulted": false,
		"chargingLevel": 32,
		"connectors": [{
			"connectorStatusType": "CHARGING",
			"connectorStatusReason": "INSUFFICIENT_SOLAR",
			"dlbActive": true,
			"pluggedIn": true
		}],
		"session_d": {
			"e_c": 3542.11,
			"strt_chrg": 1714546800123,
			"miles": 12.5,
			"plg_in_at": "2024-05-01T06:55:00Z[UTC]"
		}
	}]},
	"error": {}
}`

const legacyStatus = `{
	"evChargerData": [{
		"sn": "EV1",
		"name": "Garage",
		"connected": 1,
		"pluggedIn": "true",
		"charging": true,
		"faulted": 0,
		"chargingLevel": "32",
		"connectorStatusType": "CHARGING",
		"connectorStatusReason": "INSUFFICIENT_SOLAR",
		"dlbActive": true,
		"session_d": {
			"e_c": "3542.11",
			"start_time": 1714546800,
			"miles": 12.5,
			"plg_in_at": 1714546500
		}
	}],
	"ts": "1714550400"
}`

func TestStatusShapes(t *testing.T) {
	t.Run("NestedAndLegacyAreIdentical", func(t *testing.T) {
		nested, err := Normalize(types.SourceStatus, []byte(nestedStatus))
		require.NoError(t, err)
		legacy, err := Normalize(types.SourceStatus, []byte(legacyStatus))
		require.NoError(t, err)
		assert.Equal(t, nested, legacy)

		require.Len(t, nested.Chargers, 1)
		c := nested.Chargers[0]
		assert.Equal(t, "EV1", c.Serial)
		assert.True(t, c.Connected)
		assert.True(t, c.Plugged)
		assert.True(t, c.Charging)
		assert.Equal(t, types.ConnectorCharging, c.ConnectorStatus)
		assert.Equal(t, "INSUFFICIENT_SOLAR", c.ConnectorStatusReason)
		assert.True(t, c.DLBActive)
		assert.Equal(t, 32, c.ChargingLevel)
		assert.Equal(t, time.Unix(1714550400, 0).UTC(), c.LastReportedAt)

		require.Len(t, nested.Live, 1)
		live := nested.Live[0]
		require.NotNil(t, live.Start)
		assert.Equal(t, time.Unix(1714546800, 0).UTC(), *live.Start)
		require.NotNil(t, live.PluggedInAt)
		assert.Equal(t, time.Unix(1714546500, 0).UTC(), *live.PluggedInAt)
		assert.Nil(t, live.PluggedOutAt)
		assert.InDelta(t, 3.54211, live.EnergyKWh, 1e-9)
	})

	t.Run("SessionEnergyThreshold", func(t *testing.T) {
		tests := []struct {
			raw  string
			want float64
		}{
			{"3.52", 3.52},
			{"3542.11", 3.54211},
			{"200", 200},
			{"200.5", 0.2005},
			{"null", 0},
			{"-4", 0},
		}
		for _, tt := range tests {
			rec, err := Normalize(types.SourceStatus, []byte(`{"evChargerData":[{"sn":"EV1","session_d":{"e_c":`+tt.raw+`}}]}`))
			require.NoError(t, err)
			require.Len(t, rec.Chargers, 1)
			assert.InDelta(t, tt.want, rec.Chargers[0].SessionEnergyKWh, 1e-9, tt.raw)
			assert.InDelta(t, tt.want, rec.Live[0].EnergyKWh, 1e-9, tt.raw)
		}
	})

	t.Run("UnknownStatusPassesThrough", func(t *testing.T) {
		rec, err := Normalize(types.SourceStatus, []byte(`{"evChargerData":[{"sn":"EV1","connectorStatusType":"RESERVED_FOR_FLEET"}]}`))
		require.NoError(t, err)
		assert.Equal(t, types.ConnectorStatus("RESERVED_FOR_FLEET"), rec.Chargers[0].ConnectorStatus)
		assert.False(t, rec.Chargers[0].ConnectorStatus.Known())
	})

	t.Run("FaultedStatusSetsFlag", func(t *testing.T) {
		rec, err := Normalize(types.SourceStatus, []byte(`{"evChargerData":[{"sn":"EV1","connectorStatusType":"FAULTED"}]}`))
		require.NoError(t, err)
		assert.True(t, rec.Chargers[0].Faulted)
	})

	t.Run("StringEncodedData", func(t *testing.T) {
		rec, err := Normalize(types.SourceStatus, []byte(`{"meta":{},"data":"{\"chargers\":[{\"sn\":\"EV2\",\"charging\":\"false\"}]}"}`))
		require.NoError(t, err)
		require.Len(t, rec.Chargers, 1)
		assert.Equal(t, "EV2", rec.Chargers[0].Serial)
	})

	t.Run("EntriesWithoutSerialSkipped", func(t *testing.T) {
		rec, err := Normalize(types.SourceStatus, []byte(`{"data":{"chargers":["bad-entry",{"name":"x"},{"sn":"EV3"}]}}`))
		require.NoError(t, err)
		require.Len(t, rec.Chargers, 1)
		assert.Equal(t, "EV3", rec.Chargers[0].Serial)
	})

	t.Run("ErrorEnvelope", func(t *testing.T) {
		_, err := Normalize(types.SourceStatus, []byte(`{"meta":{},"data":null,"error":{"message":"site locked"}}`))
		assert.ErrorIs(t, err, ErrUpstream)
	})

	t.Run("EmptyEnvelope", func(t *testing.T) {
		rec, err := Normalize(types.SourceStatus, []byte(`{"evChargerData":[]}`))
		require.NoError(t, err)
		assert.Empty(t, rec.Chargers)
	})

	t.Run("NotJSON", func(t *testing.T) {
		_, err := Normalize(types.SourceStatus, []byte(`<html>maintenance</html>`))
		assert.Error(t, err)
	})
}

func TestSummary(t *testing.T) {
	rec, err := Normalize(types.SourceSummary, []byte(`{"data":[
		{
			"serialNumber": "EV1",
			"displayName": "Garage",
			"maxCurrent": 48,
			"chargeLevelDetails": {"min": "6", "max": "40"},
			"phaseMode": "SINGLE",
			"status": "NORMAL",
			"commissioningStatus": 1,
			"lastReportedAt": "2025-10-16T05:00:00Z[UTC]",
			"operatingVoltage": "238",
			"firmwareVersion": "25.10.1",
			"processorBoardVersion": "2.0.7",
			"lifeTimeConsumption": 123456.7
		},
		{"serialNumber": "EV2", "lifeTimeConsumption": 150.25},
		{"displayName": "no serial"}
	]}`))
	require.NoError(t, err)
	require.Len(t, rec.Summaries, 2)

	s := rec.Summaries[0]
	assert.Equal(t, "EV1", s.Serial)
	assert.Equal(t, 6, s.MinAmps)
	assert.Equal(t, 40, s.MaxAmps)
	assert.Equal(t, 48, s.MaxCurrent)
	assert.Equal(t, 238.0, s.OperatingVoltage)
	assert.Equal(t, "2.0.7", s.HardwareVersion)
	require.NotNil(t, s.Commissioned)
	assert.True(t, *s.Commissioned)
	assert.Nil(t, s.DLBEnabled)
	assert.Equal(t, time.Date(2025, 10, 16, 5, 0, 0, 0, time.UTC), s.LastReportedAt)
	require.NotNil(t, s.LifetimeKWh)
	assert.Equal(t, 123.457, *s.LifetimeKWh)

	require.NotNil(t, rec.Summaries[1].LifetimeKWh)
	assert.Equal(t, 150.25, *rec.Summaries[1].LifetimeKWh)
}

func TestInventory(t *testing.T) {
	rec, err := Normalize(types.SourceInventory, []byte(`{"result":[
		{"type": "iqevse", "devices": [
			{"serial_number": "EV1", "name": "IQ EV Charger", "status": "normal"},
			{"serial_number": "EV9", "status": "Retired"},
			{"serial_number": "EV8", "isRetired": true}
		]},
		{"type": "encharge", "devices": [{"serial_number": "B1", "retired": "false"}]},
		{"serialNumber": "M1", "type": "Meter"}
	]}`))
	require.NoError(t, err)
	assert.Equal(t, []types.InventoryItem{
		{Serial: "EV1", Type: "iqevse", Name: "IQ EV Charger", Status: "normal"},
		{Serial: "EV9", Type: "iqevse", Status: "Retired", Retired: true},
		{Serial: "EV8", Type: "iqevse", Retired: true},
		{Serial: "B1", Type: "encharge"},
		{Serial: "M1", Type: "meter"},
	}, rec.Inventory)
}

func TestBattery(t *testing.T) {
	rec, err := Normalize(types.SourceBattery, []byte(`{
		"current_charge": "48%",
		"available_energy": 4.8,
		"max_capacity": "10",
		"available_power": 3.84,
		"status": "normal",
		"storages": [{"serial_number": "B1"}, {"serial_number": "B2", "retired": true}]
	}`))
	require.NoError(t, err)
	require.NotNil(t, rec.Battery)
	assert.Equal(t, 48.0, rec.Battery.SOC)
	assert.Equal(t, 4.8, rec.Battery.AvailableEnergyKWh)
	assert.Equal(t, 10.0, rec.Battery.MaxCapacityKWh)
	assert.InDelta(t, 3840, rec.Battery.PowerW, 1e-9)
	assert.Equal(t, 1, rec.Battery.Units)

	t.Run("NoBattery", func(t *testing.T) {
		rec, err := Normalize(types.SourceBattery, []byte(`{}`))
		require.NoError(t, err)
		assert.Nil(t, rec.Battery)
	})
}

func TestSiteEnergy(t *testing.T) {
	t.Run("Coercion", func(t *testing.T) {
		rec, err := Normalize(types.SourceSiteEnergy, []byte(`{"data":{
			"production": [1000, "2000", null, -5],
			"import": ["", "30"],
			"grid_home": [15],
			"update_pending": false,
			"start_date": "2024-01-01",
			"last_report_date": "1700000000",
			"evse": "skip",
			"interval_minutes": "15"
		}}`))
		require.NoError(t, err)
		se := rec.SiteEnergy
		require.NotNil(t, se)
		assert.Equal(t, 15.0, se.IntervalMinutes)
		assert.Equal(t, "2024-01-01", se.StartDate)
		require.NotNil(t, se.LastReportDate)
		assert.Equal(t, time.Unix(1700000000, 0).UTC(), *se.LastReportDate)

		prod := se.Flows[types.FlowSolarProduction]
		assert.Equal(t, 3.0, prod.KWh)
		assert.Equal(t, 2, prod.BucketCount)

		imp := se.Flows[types.FlowGridImport]
		assert.Equal(t, 0.03, imp.KWh)
		assert.Equal(t, []string{"import"}, imp.Fields)

		assert.NotContains(t, se.Flows, types.FlowConsumption)
	})

	t.Run("DerivedFlows", func(t *testing.T) {
		rec, err := Normalize(types.SourceSiteEnergy, []byte(`{
			"consumption": [5000, 5000],
			"solar_home": [2000],
			"solar_grid": [1234.6],
			"solar_battery": [300, 300],
			"grid_battery": [100],
			"discharge": [700]
		}`))
		require.NoError(t, err)
		se := rec.SiteEnergy
		assert.Equal(t, float64(defaultIntervalMinutes), se.IntervalMinutes)

		imp := se.Flows[types.FlowGridImport]
		assert.Equal(t, 8.0, imp.KWh)
		assert.Equal(t, 1, imp.BucketCount)
		assert.Equal(t, []string{"consumption", "solar_home"}, imp.Fields)

		assert.Equal(t, 1.235, se.Flows[types.FlowGridExport].KWh)

		charge := se.Flows[types.FlowBatteryCharge]
		assert.Equal(t, 0.7, charge.KWh)
		assert.Equal(t, []string{"solar_battery", "grid_battery"}, charge.Fields)

		assert.Equal(t, []string{"discharge"}, se.Flows[types.FlowBatteryDischarge].Fields)
	})
}

func TestChargerSources(t *testing.T) {
	t.Run("ChargeMode", func(t *testing.T) {
		rec, err := Normalize(types.SourceChargeMode, []byte(`{"data":{"modes":{
			"manualCharging": {"enabled": false, "chargingMode": "MANUAL_CHARGING"},
			"greenCharging": {"enabled": true, "chargingMode": "GREEN_CHARGING"}
		}}}`))
		require.NoError(t, err)
		assert.Equal(t, types.ChargeModeGreen, rec.Mode)

		rec, err = Normalize(types.SourceChargeMode, []byte(`{"data":{"modes":"invalid"}}`))
		require.NoError(t, err)
		assert.Empty(t, rec.Mode)
	})

	t.Run("SessionHistory", func(t *testing.T) {
		rec, err := Normalize(types.SourceSessionHistory, []byte(`{"data":{"result":[
			{
				"sessionId": 1,
				"startTime": "2025-10-15T23:30:00Z[UTC]",
				"endTime": "2025-10-16T01:30:00Z[UTC]",
				"aggEnergyValue": 6.0,
				"milesAdded": 20,
				"sessionCost": 1.25,
				"authType": "APP"
			},
			{"sessionId": 99, "startTime": "2025-10-16T09:30:00Z[UTC]", "endTime": null, "aggEnergyValue": 4000},
			{"sessionId": 100}
		],"hasMore":false}}`))
		require.NoError(t, err)
		require.Len(t, rec.History, 2)

		first := rec.History[0]
		assert.Equal(t, "1", first.ID)
		assert.Equal(t, time.Date(2025, 10, 15, 23, 30, 0, 0, time.UTC), first.Start)
		require.NotNil(t, first.End)
		assert.Equal(t, 2*time.Hour, first.Duration(time.Time{}))
		assert.Equal(t, 6.0, first.EnergyKWh)
		require.NotNil(t, first.Cost)
		assert.Equal(t, 1.25, *first.Cost)
		assert.Equal(t, "APP", first.AuthType)

		assert.True(t, rec.History[1].Open())
		assert.Equal(t, 4.0, rec.History[1].EnergyKWh)
	})

	t.Run("Events", func(t *testing.T) {
		rec, err := Normalize(types.SourceEvents, []byte(`{"data":[
			{"serialNumber": "EV1", "eventType": "PLUG_IN", "description": "Vehicle connected", "eventTime": 1760590800000},
			{"sn": "EV1", "type": "FAULT", "message": "Ground fault", "timestamp": "2025-10-16T05:00:00Z"},
			{"sn": "EV1"}
		]}`))
		require.NoError(t, err)
		require.Len(t, rec.Events, 2)
		assert.Equal(t, types.ChargerEvent{Serial: "EV1", Type: "PLUG_IN", Description: "Vehicle connected", Time: time.UnixMilli(1760590800000).UTC()}, rec.Events[0])
		assert.Equal(t, "Ground fault", rec.Events[1].Description)
	})
}

func TestNormalizeEdgeCases(t *testing.T) {
	rec, err := Normalize(types.SourceBattery, nil)
	require.NoError(t, err)
	assert.Equal(t, types.SourceBattery, rec.Source)

	_, err = Normalize("bogus", []byte(`{}`))
	assert.Error(t, err)
}

func TestEstimatePower(t *testing.T) {
	c := types.ChargerState{Charging: true, ChargingLevel: 32}
	EstimatePower(&c, 240)
	assert.Equal(t, 7680.0, c.PowerW)
	assert.True(t, c.PowerEstimated)

	c = types.ChargerState{Charging: true, ChargingLevel: 32, OperatingVoltage: 208}
	EstimatePower(&c, 240)
	assert.Equal(t, 6656.0, c.PowerW)

	c = types.ChargerState{Charging: true, ChargingLevel: 32, PowerW: 7000}
	EstimatePower(&c, 240)
	assert.Equal(t, 7000.0, c.PowerW)
	assert.False(t, c.PowerEstimated)

	c = types.ChargerState{Charging: false, ChargingLevel: 32}
	EstimatePower(&c, 240)
	assert.Zero(t, c.PowerW)
}

func TestParseTime(t *testing.T) {
	want := time.Date(2025, 10, 16, 5, 0, 0, 0, time.UTC)
	for _, v := range []any{
		float64(want.Unix()),
		float64(want.UnixMilli()),
		"1760590800",
		"1760590800000",
		"2025-10-16T05:00:00Z[UTC]",
		"2025-10-16T05:00:00Z",
		"2025-10-16T05:00:00",
	} {
		assert.Equal(t, want, parseTime(v), "%v", v)
	}
	assert.True(t, parseTime("garbage").IsZero())
	assert.True(t, parseTime(nil).IsZero())
}
