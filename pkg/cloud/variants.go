package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"unicode"
)

// Operation is a logical control operation against the backend.
type Operation string

const (
	OpStartCharging   Operation = "start_charging"
	OpStopCharging    Operation = "stop_charging"
	OpTriggerMessage  Operation = "trigger_message"
	OpSetChargeMode   Operation = "set_charge_mode"
	OpStartLiveStream Operation = "start_live_stream"
	OpStopLiveStream  Operation = "stop_live_stream"
)

// Casing is how payload keys are spelled for a variant.
type Casing int

const (
	// CasingNone sends no body.
	CasingNone Casing = iota
	CasingCamel
	CasingSnake
)

func (c Casing) String() string {
	switch c {
	case CasingCamel:
		return "camel"
	case CasingSnake:
		return "snake"
	}
	return "bodyless"
}

// Variant is one concrete request shape for an operation. Path is a template
// with {site} and {serial} placeholders. Fields lists the camelCase payload
// fields the variant sends.
type Variant struct {
	Method string
	Path   string
	Casing Casing
	Fields []string
}

func (v Variant) String() string {
	if v.Casing == CasingNone {
		return fmt.Sprintf("%s %s", v.Method, v.Path)
	}
	return fmt.Sprintf("%s %s %s%v", v.Method, v.Path, v.Casing, v.Fields)
}

// URLPath fills in the path template.
func (v Variant) URLPath(siteID, serial string) string {
	return strings.NewReplacer("{site}", siteID, "{serial}", serial).Replace(v.Path)
}

// Body renders the payload for params, keyed by camelCase field name. It
// returns nil for bodyless variants.
func (v Variant) Body(params map[string]any) ([]byte, error) {
	if v.Casing == CasingNone {
		return nil, nil
	}
	payload := make(map[string]any, len(v.Fields))
	for _, f := range v.Fields {
		val, ok := params[f]
		if !ok {
			continue
		}
		key := f
		if v.Casing == CasingSnake {
			key = snakeCase(f)
		}
		payload[key] = val
	}
	return json.Marshal(payload)
}

func snakeCase(s string) string {
	var sb strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				sb.WriteByte('_')
			}
			sb.WriteRune(unicode.ToLower(r))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

const (
	controllerPlural   = "/service/evse_controller/{site}/ev_chargers"
	controllerSingular = "/service/evse_controller/{site}/ev_charger"
	schedulerPref      = "/service/evse_scheduler/api/v1/iqevc/charging-mode/{site}/{serial}/preference"
)

// DefaultVariants returns the ordered candidates for every control operation.
func DefaultVariants() map[Operation][]Variant {
	start := "/{serial}/start_charging"
	stop := "/{serial}/stop_charging"
	levelAndConnector := []string{"chargingLevel", "connectorId"}
	return map[Operation][]Variant{
		OpStartCharging: {
			{Method: http.MethodPost, Path: controllerPlural + start, Casing: CasingCamel, Fields: levelAndConnector},
			{Method: http.MethodPut, Path: controllerPlural + start, Casing: CasingCamel, Fields: levelAndConnector},
			{Method: http.MethodPost, Path: controllerSingular + start, Casing: CasingCamel, Fields: levelAndConnector},
			{Method: http.MethodPost, Path: controllerPlural + start, Casing: CasingSnake, Fields: levelAndConnector},
			{Method: http.MethodPost, Path: controllerPlural + start, Casing: CasingCamel, Fields: []string{"connectorId"}},
			{Method: http.MethodPost, Path: controllerPlural + start},
			{Method: http.MethodPost, Path: controllerSingular + start},
			{Method: http.MethodPost, Path: controllerPlural + start, Casing: CasingCamel, Fields: []string{"chargingLevel"}},
		},
		OpStopCharging: {
			{Method: http.MethodPut, Path: controllerPlural + stop},
			{Method: http.MethodPost, Path: controllerPlural + stop},
			{Method: http.MethodPost, Path: controllerSingular + stop},
		},
		OpTriggerMessage: {
			{Method: http.MethodPost, Path: controllerSingular + "/{serial}/trigger_message", Casing: CasingCamel, Fields: []string{"requestedMessage"}},
		},
		OpSetChargeMode: {
			{Method: http.MethodPut, Path: schedulerPref, Casing: CasingCamel, Fields: []string{"mode"}},
		},
		OpStartLiveStream: {
			{Method: http.MethodGet, Path: controllerPlural + "/start_live_stream"},
		},
		OpStopLiveStream: {
			{Method: http.MethodGet, Path: controllerPlural + "/stop_live_stream"},
		},
	}
}

type variantKey struct {
	op     Operation
	serial string
}

// Resolver picks the request shape for control operations. The first
// variant that succeeds for an (operation, serial) pair is cached and tried
// first on later calls. Variants the backend refused by method or media type
// are skipped for the rest of the process.
type Resolver struct {
	mu         sync.Mutex
	candidates map[Operation][]Variant
	cache      map[variantKey]int
	invalid    map[variantKey]map[int]bool
}

// NewResolver returns a Resolver over the given candidates.
func NewResolver(candidates map[Operation][]Variant) *Resolver {
	return &Resolver{
		candidates: candidates,
		cache:      make(map[variantKey]int),
		invalid:    make(map[variantKey]map[int]bool),
	}
}

// Cached returns the cached variant for op and serial.
func (r *Resolver) Cached(op Operation, serial string) (Variant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.cache[variantKey{op, serial}]
	if !ok {
		return Variant{}, false
	}
	return r.candidates[op][idx], true
}

// order returns candidate indexes in the order they should be tried.
func (r *Resolver) order(op Operation, serial string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := variantKey{op, serial}
	n := len(r.candidates[op])
	cached, hasCached := r.cache[key]
	invalid := r.invalid[key]

	order := make([]int, 0, n)
	if hasCached {
		order = append(order, cached)
	}
	for i := 0; i < n; i++ {
		if (hasCached && i == cached) || invalid[i] {
			continue
		}
		order = append(order, i)
	}
	if len(order) == 0 {
		// everything was refused before; try them all again rather than fail
		// without a request
		for i := 0; i < n; i++ {
			order = append(order, i)
		}
	}
	return order
}

func (r *Resolver) remember(op Operation, serial string, idx int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[variantKey{op, serial}] = idx
}

func (r *Resolver) markInvalid(op Operation, serial string, idx int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := variantKey{op, serial}
	if r.invalid[key] == nil {
		r.invalid[key] = make(map[int]bool)
	}
	r.invalid[key][idx] = true
}

// Execute calls try with each candidate variant until one succeeds. A failure
// that says the request shape was wrong falls through to the next candidate;
// any other failure (auth, conflict, rate limit, server fault, transport) is
// returned immediately. If every candidate fails, an *ExhaustedError carrying
// each failure is returned.
func (r *Resolver) Execute(ctx context.Context, op Operation, serial string, try func(context.Context, Variant) error) (Variant, error) {
	r.mu.Lock()
	cands := r.candidates[op]
	r.mu.Unlock()
	if len(cands) == 0 {
		return Variant{}, fmt.Errorf("no variants for operation %s", op)
	}

	var failures []error
	for _, idx := range r.order(op, serial) {
		if err := ctx.Err(); err != nil {
			return Variant{}, &Error{Kind: KindTransport, Op: string(op), Err: err}
		}
		v := cands[idx]
		err := try(ctx, v)
		if err == nil {
			r.remember(op, serial, idx)
			return v, nil
		}
		failures = append(failures, fmt.Errorf("%s: %w", v, err))
		if !shapeMismatch(err) {
			return v, err
		}
		switch StatusOf(err) {
		case http.StatusMethodNotAllowed, http.StatusUnsupportedMediaType:
			r.markInvalid(op, serial, idx)
		}
	}
	return Variant{}, &ExhaustedError{Op: op, Serial: serial, Failures: failures}
}

// shapeMismatch returns true for failures that may mean the backend expects a
// different verb, path or payload.
func shapeMismatch(err error) bool {
	var ce *Error
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Status {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusMethodNotAllowed,
		http.StatusUnsupportedMediaType, http.StatusUnprocessableEntity:
		return true
	}
	return false
}
