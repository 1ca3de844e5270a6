// Package command issues charger control commands and reconciles the
// optimistic holds they create against polled state.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raterudder/evsync/pkg/cloud"
	"github.com/raterudder/evsync/pkg/log"
	"github.com/raterudder/evsync/pkg/types"
)

// Controller is the control surface of the cloud client.
type Controller interface {
	StartCharging(ctx context.Context, serial string, amps, connectorID int) (cloud.ControlResponse, error)
	StopCharging(ctx context.Context, serial string) (cloud.ControlResponse, error)
	SetChargeMode(ctx context.Context, serial string, mode types.ChargeMode) (cloud.ControlResponse, error)
	TriggerMessage(ctx context.Context, serial, message string) (cloud.ControlResponse, error)
}

// StateReader returns the confirmed state of a charger.
type StateReader interface {
	Charger(serial string) (types.ChargerState, bool)
}

// Hooks are optional callbacks. They're called without the reconciler's
// lock held.
type Hooks struct {
	// Sent is called after a command went out to the backend.
	Sent func()
	// Result is called with the outcome of every Issue.
	Result func(kind types.CommandKind, outcome types.Outcome)
	// AuthFailed is called when a command failed with an auth error.
	AuthFailed func(ctx context.Context, err error)
}

// defaultAmps is used to start charging when neither the command nor the
// charger says otherwise.
const defaultAmps = 32

type holdKey struct {
	serial string
	attr   types.Attribute
}

// inflight marks an attribute a sent command is waiting on. id becomes the
// hold id if the backend accepts.
type inflight struct {
	id    string
	value string
}

type unconfirmed struct {
	desired string
	until   time.Time
}

// Reconciler issues commands for one site. At most one hold exists per
// (serial, attribute).
type Reconciler struct {
	ctrl  Controller
	state StateReader
	hooks Hooks
	now   func() time.Time
	newID func() string

	mu          sync.Mutex
	hold        time.Duration
	timeout     time.Duration
	holds       map[holdKey]types.OptimisticHold
	inflight    map[holdKey]inflight
	unconfirmed map[holdKey]unconfirmed
	// lastAmps remembers set_amps requests made while not charging so the
	// next start uses them.
	lastAmps map[string]int
}

// New returns a Reconciler. hold is capped at types.MaxHoldSeconds.
func New(ctrl Controller, state StateReader, hold, timeout time.Duration, hooks Hooks) *Reconciler {
	r := &Reconciler{
		ctrl:        ctrl,
		state:       state,
		hooks:       hooks,
		now:         time.Now,
		newID:       uuid.NewString,
		holds:       make(map[holdKey]types.OptimisticHold),
		inflight:    make(map[holdKey]inflight),
		unconfirmed: make(map[holdKey]unconfirmed),
		lastAmps:    make(map[string]int),
	}
	r.SetLimits(hold, timeout)
	return r
}

// SetClock replaces the time source. Used by tests.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// SetLimits updates the hold duration and command timeout.
func (r *Reconciler) SetLimits(hold, timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit := types.MaxHoldSeconds * time.Second; hold <= 0 || hold > limit {
		hold = limit
	}
	r.hold = hold
	r.timeout = timeout
}

// desired is one attribute a command wants to change.
type desired struct {
	attr  types.Attribute
	value string
}

// Issue validates and sends cmd. Expected branches (precondition failure,
// no-op, pending hold, timeout) are results, not errors.
func (r *Reconciler) Issue(ctx context.Context, serial string, cmd types.Command) types.CommandResult {
	ctx = log.WithAttrs(ctx, slog.String("serial", serial), slog.String("command", string(cmd.Kind)))
	res := r.issue(ctx, serial, cmd)
	if res.Err != nil {
		log.Ctx(ctx).WarnContext(ctx, "command failed", slog.String("outcome", string(res.Outcome)), slog.Any("error", res.Err))
	} else {
		log.Ctx(ctx).InfoContext(ctx, "command result", slog.String("outcome", string(res.Outcome)), slog.String("reason", res.Reason))
	}
	if r.hooks.Result != nil {
		r.hooks.Result(cmd.Kind, res.Outcome)
	}
	return res
}

func precondition(reason string) types.CommandResult {
	return types.CommandResult{Outcome: types.OutcomePreconditionFailed, Reason: reason}
}

func (r *Reconciler) issue(ctx context.Context, serial string, cmd types.Command) types.CommandResult {
	st, ok := r.state.Charger(serial)
	if !ok {
		return precondition("unknown charger")
	}

	var want []desired
	var send func(context.Context) (cloud.ControlResponse, error)
	switch cmd.Kind {
	case types.CommandStart:
		if !st.Plugged {
			return precondition("charger is not plugged in")
		}
		amps, err := r.startAmps(st, cmd.Amps)
		if err != nil {
			return precondition(err.Error())
		}
		want = []desired{
			{types.AttributeCharging, "true"},
			{types.AttributeAmps, strconv.Itoa(amps)},
		}
		send = func(ctx context.Context) (cloud.ControlResponse, error) {
			return r.ctrl.StartCharging(ctx, serial, amps, cmd.ConnectorID)
		}
	case types.CommandStop:
		want = []desired{{types.AttributeCharging, "false"}}
		send = func(ctx context.Context) (cloud.ControlResponse, error) {
			return r.ctrl.StopCharging(ctx, serial)
		}
	case types.CommandSetAmps:
		if cmd.Amps <= 0 {
			return precondition("amps must be positive")
		}
		if err := checkAmps(st, cmd.Amps); err != nil {
			return precondition(err.Error())
		}
		if !st.Charging {
			r.mu.Lock()
			r.lastAmps[serial] = cmd.Amps
			r.mu.Unlock()
			return types.CommandResult{Outcome: types.OutcomeNoop, Reason: "not charging; level applies on next start"}
		}
		if !st.Plugged {
			return precondition("charger is not plugged in")
		}
		want = []desired{{types.AttributeAmps, strconv.Itoa(cmd.Amps)}}
		send = func(ctx context.Context) (cloud.ControlResponse, error) {
			return r.ctrl.StartCharging(ctx, serial, cmd.Amps, cmd.ConnectorID)
		}
	case types.CommandSetMode:
		if !cmd.Mode.Valid() {
			return precondition(fmt.Sprintf("invalid mode: %q", cmd.Mode))
		}
		want = []desired{{types.AttributeMode, string(cmd.Mode)}}
		send = func(ctx context.Context) (cloud.ControlResponse, error) {
			return r.ctrl.SetChargeMode(ctx, serial, cmd.Mode)
		}
	case types.CommandTriggerMessage:
		if strings.TrimSpace(cmd.Message) == "" {
			return precondition("message is required")
		}
		send = func(ctx context.Context) (cloud.ControlResponse, error) {
			return r.ctrl.TriggerMessage(ctx, serial, cmd.Message)
		}
	default:
		return precondition(fmt.Sprintf("unknown command: %q", cmd.Kind))
	}

	id, ok := r.claim(serial, want)
	if ok {
		return types.CommandResult{Outcome: types.OutcomePendingHold, HoldID: id}
	}
	defer r.release(serial, want, id)

	r.mu.Lock()
	timeout := r.timeout
	r.mu.Unlock()
	cctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := send(cctx)
	if r.hooks.Sent != nil {
		r.hooks.Sent()
	}

	switch {
	case err == nil && resp.Accepted():
		return types.CommandResult{Outcome: types.OutcomeAccepted, HoldID: r.createHolds(serial, want, id)}
	case err == nil:
		r.clearHolds(serial, want)
		return types.CommandResult{
			Outcome: types.OutcomeRejected,
			Err:     fmt.Errorf("backend answered %d with status %q", resp.Status, resp.BodyStatus),
		}
	case errors.Is(err, context.DeadlineExceeded) || (cctx.Err() != nil && ctx.Err() == nil):
		r.markUnconfirmed(serial, want)
		return types.CommandResult{Outcome: types.OutcomeUnconfirmed, Reason: "command timed out", Err: err}
	}
	return r.classifyFailure(ctx, serial, want, err)
}

func (r *Reconciler) classifyFailure(ctx context.Context, serial string, want []desired, err error) types.CommandResult {
	var ex *cloud.ExhaustedError
	if errors.As(err, &ex) {
		if ex.AllValidation() {
			return types.CommandResult{Outcome: types.OutcomeNoop, Reason: "no endpoint variant accepted the request"}
		}
		r.clearHolds(serial, want)
		return types.CommandResult{Outcome: types.OutcomeRejected, Err: err}
	}

	switch cloud.KindOf(err) {
	case cloud.KindValidation:
		reason := "device not ready"
		var ce *cloud.Error
		if errors.As(err, &ce) && ce.Message != "" {
			reason = ce.Message
			if already(ce.Message) {
				reason = "already in requested state: " + ce.Message
			}
		}
		return types.CommandResult{Outcome: types.OutcomeNoop, Reason: reason}
	case cloud.KindAuth:
		if r.hooks.AuthFailed != nil {
			r.hooks.AuthFailed(ctx, err)
		}
	}
	r.clearHolds(serial, want)
	return types.CommandResult{Outcome: types.OutcomeRejected, Err: err}
}

// already detects the "already charging"/"not active" family of messages.
func already(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "already") || strings.Contains(m, "not active") || strings.Contains(m, "no active")
}

func (r *Reconciler) startAmps(st types.ChargerState, requested int) (int, error) {
	amps := requested
	if amps <= 0 {
		r.mu.Lock()
		amps = r.lastAmps[st.Serial]
		r.mu.Unlock()
	}
	if amps <= 0 {
		amps = st.ChargingLevel
	}
	if amps <= 0 {
		amps = st.MaxAmps
	}
	if amps <= 0 {
		amps = defaultAmps
	}
	if requested <= 0 {
		// derived values are clamped, explicit ones are validated
		if st.MaxAmps > 0 && amps > st.MaxAmps {
			amps = st.MaxAmps
		}
		if st.MinAmps > 0 && amps < st.MinAmps {
			amps = st.MinAmps
		}
		return amps, nil
	}
	return amps, checkAmps(st, amps)
}

func checkAmps(st types.ChargerState, amps int) error {
	if st.MinAmps > 0 && amps < st.MinAmps {
		return fmt.Errorf("amps %d below minimum %d", amps, st.MinAmps)
	}
	if st.MaxAmps > 0 && amps > st.MaxAmps {
		return fmt.Errorf("amps %d above maximum %d", amps, st.MaxAmps)
	}
	return nil
}

// claim returns the hold id and true if every wanted attribute already has
// an active hold or a command in flight with the same desired value.
// Otherwise it marks the attributes in flight under a new id and returns it.
func (r *Reconciler) claim(serial string, want []desired) (string, bool) {
	if len(want) == 0 {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var id string
	covered := true
	for _, w := range want {
		key := holdKey{serial, w.attr}
		if h, ok := r.holds[key]; ok && !h.Expired(now) && h.Desired == w.value {
			if id == "" {
				id = h.ID
			}
			continue
		}
		if f, ok := r.inflight[key]; ok && f.value == w.value {
			if id == "" {
				id = f.id
			}
			continue
		}
		covered = false
		break
	}
	if covered {
		return id, true
	}

	id = r.newID()
	for _, w := range want {
		r.inflight[holdKey{serial, w.attr}] = inflight{id: id, value: w.value}
	}
	return id, false
}

// release drops the in-flight marks of the command with id.
func (r *Reconciler) release(serial string, want []desired, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range want {
		key := holdKey{serial, w.attr}
		if r.inflight[key].id == id {
			delete(r.inflight, key)
		}
	}
}

// createHolds creates one hold per attribute. The first one gets id.
func (r *Reconciler) createHolds(serial string, want []desired, id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var first string
	for i, w := range want {
		key := holdKey{serial, w.attr}
		holdID := id
		if i > 0 || holdID == "" {
			holdID = r.newID()
		}
		h := types.OptimisticHold{
			ID:        holdID,
			Serial:    serial,
			Attribute: w.attr,
			Desired:   w.value,
			CreatedAt: now,
			ExpiresAt: now.Add(r.hold),
		}
		r.holds[key] = h
		delete(r.unconfirmed, key)
		if first == "" {
			first = h.ID
		}
	}
	return first
}

func (r *Reconciler) clearHolds(serial string, want []desired) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range want {
		delete(r.holds, holdKey{serial, w.attr})
	}
}

func (r *Reconciler) markUnconfirmed(serial string, want []desired) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for _, w := range want {
		key := holdKey{serial, w.attr}
		delete(r.holds, key)
		r.unconfirmed[key] = unconfirmed{desired: w.value, until: now.Add(r.hold)}
	}
}

// Change is a hold that was resolved by Check.
type Change struct {
	Hold  types.OptimisticHold
	State types.HoldState
}

// Check compares every outstanding hold with freshly polled state. Holds
// whose desired value is now confirmed are cleared; holds past their expiry
// are cleared and reported as unconfirmed. It must be called once per pass
// so expiries are observed even when nothing reads the state.
func (r *Reconciler) Check(ctx context.Context, chargers map[string]types.ChargerState) []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	var changes []Change
	for key, h := range r.holds {
		st, ok := chargers[key.serial]
		switch {
		case ok && st.AttributeValue(key.attr) == h.Desired:
			delete(r.holds, key)
			changes = append(changes, Change{Hold: h, State: types.HoldConfirmed})
		case h.Expired(now) || !ok:
			delete(r.holds, key)
			r.unconfirmed[key] = unconfirmed{desired: h.Desired, until: now.Add(r.hold)}
			changes = append(changes, Change{Hold: h, State: types.HoldUnconfirmed})
			log.Ctx(ctx).WarnContext(ctx, "command effect unconfirmed",
				slog.String("serial", h.Serial),
				slog.String("attribute", string(h.Attribute)),
				slog.String("desired", h.Desired),
			)
		}
	}
	for key, u := range r.unconfirmed {
		st, ok := chargers[key.serial]
		if !ok || !now.Before(u.until) || st.AttributeValue(key.attr) == u.desired {
			delete(r.unconfirmed, key)
		}
	}
	sort.Slice(changes, func(i, j int) bool {
		if changes[i].Hold.Serial != changes[j].Hold.Serial {
			return changes[i].Hold.Serial < changes[j].Hold.Serial
		}
		return changes[i].Hold.Attribute < changes[j].Hold.Attribute
	})
	return changes
}

// Holds returns the active holds.
func (r *Reconciler) Holds() []types.OptimisticHold {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.OptimisticHold, 0, len(r.holds))
	for _, h := range r.holds {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Serial != out[j].Serial {
			return out[i].Serial < out[j].Serial
		}
		return out[i].Attribute < out[j].Attribute
	})
	return out
}

var controlled = []types.Attribute{types.AttributeCharging, types.AttributeMode, types.AttributeAmps}

// Attributes returns the confirmation state of every controllable attribute
// of the given chargers.
func (r *Reconciler) Attributes(chargers map[string]types.ChargerState) []types.AttributeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	serials := make([]string, 0, len(chargers))
	for s := range chargers {
		serials = append(serials, s)
	}
	sort.Strings(serials)

	var out []types.AttributeStatus
	for _, serial := range serials {
		st := chargers[serial]
		for _, attr := range controlled {
			key := holdKey{serial, attr}
			as := types.AttributeStatus{
				Serial:    serial,
				Attribute: attr,
				State:     types.HoldConfirmed,
				Value:     st.AttributeValue(attr),
			}
			if h, ok := r.holds[key]; ok {
				exp := h.ExpiresAt
				as.State = types.HoldPending
				as.Value = h.Desired
				as.HoldID = h.ID
				as.ExpiresAt = &exp
			} else if _, ok := r.unconfirmed[key]; ok {
				as.State = types.HoldUnconfirmed
			}
			out = append(out, as)
		}
	}
	return out
}

// Forget drops holds for a charger that no longer exists.
func (r *Reconciler) Forget(serial string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.holds {
		if key.serial == serial {
			delete(r.holds, key)
		}
	}
	for key := range r.unconfirmed {
		if key.serial == serial {
			delete(r.unconfirmed, key)
		}
	}
	for key := range r.inflight {
		if key.serial == serial {
			delete(r.inflight, key)
		}
	}
	delete(r.lastAmps, serial)
}
