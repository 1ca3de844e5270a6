package normalize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// The upstream API is loose about scalar types: booleans arrive as 0/1 or
// "true", numbers arrive as strings and timestamps as seconds, milliseconds
// or ISO strings. The flex types below accept all of those and never fail a
// decode; a value that can't be understood is left unset.

type flexBool struct {
	V   bool
	Set bool
}

func (b *flexBool) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	*b = flexBool{}
	switch t := v.(type) {
	case bool:
		*b = flexBool{V: t, Set: true}
	case float64:
		*b = flexBool{V: t != 0, Set: true}
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "y", "on":
			*b = flexBool{V: true, Set: true}
		case "false", "0", "no", "n", "off":
			*b = flexBool{V: false, Set: true}
		}
	}
	return nil
}

type flexFloat struct {
	V   float64
	Set bool
}

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	*f = flexFloat{}
	switch t := v.(type) {
	case float64:
		*f = flexFloat{V: t, Set: true}
	case string:
		s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(t), "%"))
		if n, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(n) && !math.IsInf(n, 0) {
			*f = flexFloat{V: n, Set: true}
		}
	case bool:
		if t {
			*f = flexFloat{V: 1, Set: true}
		} else {
			*f = flexFloat{V: 0, Set: true}
		}
	}
	return nil
}

func (f flexFloat) Int() int {
	return int(math.Round(f.V))
}

type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	switch t := v.(type) {
	case string:
		*s = flexString(strings.TrimSpace(t))
	case float64:
		*s = flexString(strconv.FormatFloat(t, 'f', -1, 64))
	case bool:
		*s = flexString(strconv.FormatBool(t))
	default:
		*s = ""
	}
	return nil
}

// flexTime accepts epoch seconds, epoch milliseconds (anything above 10^12),
// digit strings of either and ISO-8601 strings, including the "[UTC]" zone
// suffix the scheduler services append.
type flexTime struct {
	time.Time
}

const millisThreshold = 1e12

func (t *flexTime) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	t.Time = parseTime(v)
	return nil
}

func parseTime(v any) time.Time {
	switch x := v.(type) {
	case float64:
		return epoch(x)
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return time.Time{}
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return epoch(n)
		}
		s = strings.TrimSuffix(s, "[UTC]")
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC()
			}
		}
	}
	return time.Time{}
}

func epoch(n float64) time.Time {
	if math.IsNaN(n) || math.IsInf(n, 0) || n <= 0 {
		return time.Time{}
	}
	if n > millisThreshold {
		return time.UnixMilli(int64(n)).UTC()
	}
	return time.Unix(int64(n), 0).UTC()
}

// unwrapString decodes a value that is sometimes sent as a JSON document
// encoded inside a string.
func unwrapString(raw json.RawMessage) json.RawMessage {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 || raw[0] != '"' {
		return raw
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return raw
	}
	s = strings.TrimSpace(s)
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return nil
	}
	return json.RawMessage(s)
}

// sessionEnergy applies the Wh heuristic: values above whThreshold are Wh.
func sessionEnergy(f flexFloat) float64 {
	if !f.Set || f.V < 0 {
		return 0
	}
	if f.V > whThreshold {
		return f.V / 1000
	}
	return f.V
}

// whThreshold separates kWh readings from Wh readings of session and
// lifetime energy.
const whThreshold = 200

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
