package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/raterudder/evsync/pkg/cloud"
	"github.com/raterudder/evsync/pkg/log"
	"github.com/raterudder/evsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

type call struct {
	op     string
	serial string
	amps   int
	mode   types.ChargeMode
}

type fakeController struct {
	mu    sync.Mutex
	calls []call
	resp  cloud.ControlResponse
	err   error
	block bool
	// started is signaled and gate awaited on every call when set
	started chan struct{}
	gate    chan struct{}
}

func (f *fakeController) do(ctx context.Context, c call) (cloud.ControlResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	resp, err, block := f.resp, f.err, f.block
	started, gate := f.started, f.gate
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if block {
		<-ctx.Done()
		return cloud.ControlResponse{}, &cloud.Error{Kind: cloud.KindTransport, Err: ctx.Err()}
	}
	if resp.Status == 0 && err == nil {
		resp.Status = 200
	}
	return resp, err
}

func (f *fakeController) StartCharging(ctx context.Context, serial string, amps, _ int) (cloud.ControlResponse, error) {
	return f.do(ctx, call{op: "start", serial: serial, amps: amps})
}

func (f *fakeController) StopCharging(ctx context.Context, serial string) (cloud.ControlResponse, error) {
	return f.do(ctx, call{op: "stop", serial: serial})
}

func (f *fakeController) SetChargeMode(ctx context.Context, serial string, mode types.ChargeMode) (cloud.ControlResponse, error) {
	return f.do(ctx, call{op: "mode", serial: serial, mode: mode})
}

func (f *fakeController) TriggerMessage(ctx context.Context, serial, _ string) (cloud.ControlResponse, error) {
	return f.do(ctx, call{op: "trigger", serial: serial})
}

func (f *fakeController) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type fakeState map[string]types.ChargerState

func (s fakeState) Charger(serial string) (types.ChargerState, bool) {
	c, ok := s[serial]
	return c, ok
}

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time { return c.t }

func newTestReconciler(ctrl Controller, st fakeState) (*Reconciler, *clock, *int) {
	clk := &clock{t: time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)}
	var sent int
	r := New(ctrl, st, 90*time.Second, 5*time.Second, Hooks{Sent: func() { sent++ }})
	r.SetClock(clk.now)
	n := 0
	r.newID = func() string {
		n++
		return fmt.Sprintf("hold-%d", n)
	}
	return r, clk, &sent
}

func plugged() types.ChargerState {
	return types.ChargerState{
		Serial:          "EV1",
		Plugged:         true,
		ConnectorStatus: types.ConnectorPreparing,
		ChargingLevel:   16,
		MinAmps:         6,
		MaxAmps:         32,
		Mode:            types.ChargeModeManual,
	}
}

func TestIssue(t *testing.T) {
	ctx := context.Background()

	t.Run("StartWhileUnplugged", func(t *testing.T) {
		ctrl := &fakeController{}
		st := plugged()
		st.Plugged = false
		r, _, sent := newTestReconciler(ctrl, fakeState{"EV1": st})

		res := r.Issue(ctx, "EV1", types.Command{Kind: types.CommandStart, Amps: 16})
		assert.Equal(t, types.OutcomePreconditionFailed, res.Outcome)
		assert.NotEmpty(t, res.Reason)
		assert.Empty(t, ctrl.Calls(), "no network call")
		assert.Zero(t, *sent)
		assert.Empty(t, r.Holds())
	})

	t.Run("UnknownCharger", func(t *testing.T) {
		ctrl := &fakeController{}
		r, _, _ := newTestReconciler(ctrl, fakeState{})
		res := r.Issue(ctx, "EV9", types.Command{Kind: types.CommandStop})
		assert.Equal(t, types.OutcomePreconditionFailed, res.Outcome)
		assert.Empty(t, ctrl.Calls())
	})

	t.Run("AcceptedCreatesHolds", func(t *testing.T) {
		ctrl := &fakeController{}
		r, clk, sent := newTestReconciler(ctrl, fakeState{"EV1": plugged()})

		res := r.Issue(ctx, "EV1", types.Command{Kind: types.CommandStart, Amps: 24})
		require.Equal(t, types.OutcomeAccepted, res.Outcome)
		assert.Equal(t, "hold-1", res.HoldID)
		assert.Equal(t, 1, *sent)
		assert.Equal(t, []call{{op: "start", serial: "EV1", amps: 24}}, ctrl.Calls())

		holds := r.Holds()
		require.Len(t, holds, 2)
		assert.Equal(t, types.AttributeAmps, holds[0].Attribute)
		assert.Equal(t, "24", holds[0].Desired)
		assert.Equal(t, types.AttributeCharging, holds[1].Attribute)
		assert.Equal(t, "true", holds[1].Desired)
		assert.Equal(t, clk.t.Add(90*time.Second), holds[1].ExpiresAt)
	})

	t.Run("PendingHoldIsIdempotent", func(t *testing.T) {
		ctrl := &fakeController{}
		r, _, _ := newTestReconciler(ctrl, fakeState{"EV1": plugged()})

		first := r.Issue(ctx, "EV1", types.Command{Kind: types.CommandStart, Amps: 24})
		require.Equal(t, types.OutcomeAccepted, first.Outcome)

		again := r.Issue(ctx, "EV1", types.Command{Kind: types.CommandStart, Amps: 24})
		assert.Equal(t, types.OutcomePendingHold, again.Outcome)
		assert.Equal(t, first.HoldID, again.HoldID)
		assert.Len(t, ctrl.Calls(), 1)
		assert.Len(t, r.Holds(), 2, "still one hold per attribute")

		other := r.Issue(ctx, "EV1", types.Command{Kind: types.CommandStop})
		assert.Equal(t, types.OutcomeAccepted, other.Outcome)
		assert.Len(t, ctrl.Calls(), 2)
		assert.Len(t, r.Holds(), 2, "the charging hold was replaced")
	})

	t.Run("ConcurrentIdenticalCommands", func(t *testing.T) {
		ctrl := &fakeController{started: make(chan struct{}, 1), gate: make(chan struct{})}
		r, _, _ := newTestReconciler(ctrl, fakeState{"EV1": plugged()})

		results := make(chan types.CommandResult, 1)
		go func() {
			results <- r.Issue(ctx, "EV1", types.Command{Kind: types.CommandStart, Amps: 24})
		}()
		<-ctrl.started

		second := r.Issue(ctx, "EV1", types.Command{Kind: types.CommandStart, Amps: 24})
		assert.Equal(t, types.OutcomePendingHold, second.Outcome)

		close(ctrl.gate)
		first := <-results
		require.Equal(t, types.OutcomeAccepted, first.Outcome)
		assert.Equal(t, first.HoldID, second.HoldID)
		assert.Len(t, ctrl.Calls(), 1)

		holds := r.Holds()
		require.Len(t, holds, 2)
		assert.Equal(t, first.HoldID, holds[1].ID, "the charging hold keeps the first caller's id")
	})

	t.Run("FailedCommandReleasesClaim", func(t *testing.T) {
		ctrl := &fakeController{err: &cloud.Error{Kind: cloud.KindServerFault, Status: 503}}
		r, _, _ := newTestReconciler(ctrl, fakeState{"EV1": plugged()})

		res := r.Issue(ctx, "EV1", types.Command{Kind: types.CommandStop})
		require.Equal(t, types.OutcomeRejected, res.Outcome)

		ctrl.mu.Lock()
		ctrl.err = nil
		ctrl.mu.Unlock()
		res = r.Issue(ctx, "EV1", types.Command{Kind: types.CommandStop})
		assert.Equal(t, types.OutcomeAccepted, res.Outcome)
		assert.Len(t, ctrl.Calls(), 2)
	})

	t.Run("ConflictIsNoop", func(t *testing.T) {
		ctrl := &fakeController{err: &cloud.Error{Kind: cloud.KindValidation, Status: 409}}
		r, _, _ := newTestReconciler(ctrl, fakeState{"EV1": plugged()})

		res := r.Issue(ctx, "EV1", types.Command{Kind: types.CommandStart})
		assert.Equal(t, types.OutcomeNoop, res.Outcome)
		assert.NoError(t, res.Err)
		assert.Empty(t, r.Holds())

		changes := r.Check(ctx, map[string]types.ChargerState{"EV1": plugged()})
		assert.Empty(t, changes)
		for _, as := range r.Attributes(map[string]types.ChargerState{"EV1": plugged()}) {
			assert.Equal(t, types.HoldConfirmed, as.State)
		}
	})

	t.Run("AlreadyChargingIsNoop", func(t *testing.T) {
		ctrl := &fakeController{err: &cloud.Error{Kind: cloud.KindValidation, Status: 400, Message: "Charger is already charging"}}
		r, _, _ := newTestReconciler(ctrl, fakeState{"EV1": plugged()})
		res := r.Issue(ctx, "EV1", types.Command{Kind: types.CommandStart})
		assert.Equal(t, types.OutcomeNoop, res.Outcome)
		assert.Contains(t, res.Reason, "already in requested state")
	})

	t.Run("ExhaustedValidationIsNoop", func(t *testing.T) {
		ctrl := &fakeController{err: &cloud.ExhaustedError{Op: cloud.OpStopCharging, Serial: "EV1", Failures: []error{
			&cloud.Error{Kind: cloud.KindValidation, Status: 400},
			&cloud.Error{Kind: cloud.KindValidation, Status: 422},
		}}}
		r, _, _ := newTestReconciler(ctrl, fakeState{"EV1": plugged()})
		res := r.Issue(ctx, "EV1", types.Command{Kind: types.CommandStop})
		assert.Equal(t, types.OutcomeNoop, res.Outcome)
	})

	t.Run("ExhaustedMixedIsRejected", func(t *testing.T) {
		ctrl := &fakeController{err: &cloud.ExhaustedError{Op: cloud.OpStopCharging, Serial: "EV1", Failures: []error{
			&cloud.Error{Kind: cloud.KindValidation, Status: 400},
			&cloud.Error{Kind: cloud.KindClient, Status: 405},
		}}}
		r, _, _ := newTestReconciler(ctrl, fakeState{"EV1": plugged()})
		res := r.Issue(ctx, "EV1", types.Command{Kind: types.CommandStop})
		assert.Equal(t, types.OutcomeRejected, res.Outcome)
		assert.Error(t, res.Err)
	})

	t.Run("ServerFaultIsRejected", func(t *testing.T) {
		ctrl := &fakeController{err: &cloud.Error{Kind: cloud.KindServerFault, Status: 503}}
		r, _, _ := newTestReconciler(ctrl, fakeState{"EV1": plugged()})
		res := r.Issue(ctx, "EV1", types.Command{Kind: types.CommandSetMode, Mode: types.ChargeModeGreen})
		assert.Equal(t, types.OutcomeRejected, res.Outcome)
		var ce *cloud.Error
		require.True(t, errors.As(res.Err, &ce))
		assert.Equal(t, 503, ce.Status)
		assert.Empty(t, r.Holds())
	})

	t.Run("RejectedBody", func(t *testing.T) {
		ctrl := &fakeController{resp: cloud.ControlResponse{Status: 200, BodyStatus: "failed"}}
		r, _, _ := newTestReconciler(ctrl, fakeState{"EV1": plugged()})
		res := r.Issue(ctx, "EV1", types.Command{Kind: types.CommandStop})
		assert.Equal(t, types.OutcomeRejected, res.Outcome)
	})

	t.Run("AuthFailureNotifies", func(t *testing.T) {
		ctrl := &fakeController{err: &cloud.Error{Kind: cloud.KindAuth, Status: 401}}
		r, _, _ := newTestReconciler(ctrl, fakeState{"EV1": plugged()})
		var notified bool
		r.hooks.AuthFailed = func(context.Context, error) { notified = true }
		res := r.Issue(ctx, "EV1", types.Command{Kind: types.CommandStop})
		assert.Equal(t, types.OutcomeRejected, res.Outcome)
		assert.True(t, notified)
	})

	t.Run("TimeoutIsUnconfirmed", func(t *testing.T) {
		ctrl := &fakeController{block: true}
		r, _, _ := newTestReconciler(ctrl, fakeState{"EV1": plugged()})
		r.SetLimits(90*time.Second, 10*time.Millisecond)

		res := r.Issue(ctx, "EV1", types.Command{Kind: types.CommandStop})
		assert.Equal(t, types.OutcomeUnconfirmed, res.Outcome)
		assert.Empty(t, r.Holds())

		attrs := r.Attributes(map[string]types.ChargerState{"EV1": plugged()})
		var charging types.AttributeStatus
		for _, as := range attrs {
			if as.Attribute == types.AttributeCharging {
				charging = as
			}
		}
		assert.Equal(t, types.HoldUnconfirmed, charging.State)
	})

	t.Run("InvalidMode", func(t *testing.T) {
		ctrl := &fakeController{}
		r, _, _ := newTestReconciler(ctrl, fakeState{"EV1": plugged()})
		res := r.Issue(ctx, "EV1", types.Command{Kind: types.CommandSetMode, Mode: types.ChargeMode("TURBO")})
		assert.Equal(t, types.OutcomePreconditionFailed, res.Outcome)
		assert.Empty(t, ctrl.Calls())
	})

	t.Run("AmpsOutOfRange", func(t *testing.T) {
		ctrl := &fakeController{}
		r, _, _ := newTestReconciler(ctrl, fakeState{"EV1": plugged()})
		res := r.Issue(ctx, "EV1", types.Command{Kind: types.CommandStart, Amps: 48})
		assert.Equal(t, types.OutcomePreconditionFailed, res.Outcome)
		assert.Empty(t, ctrl.Calls())
	})

	t.Run("SetAmpsWhileIdleAppliesOnNextStart", func(t *testing.T) {
		ctrl := &fakeController{}
		r, _, _ := newTestReconciler(ctrl, fakeState{"EV1": plugged()})

		res := r.Issue(ctx, "EV1", types.Command{Kind: types.CommandSetAmps, Amps: 10})
		assert.Equal(t, types.OutcomeNoop, res.Outcome)
		assert.Empty(t, ctrl.Calls())

		res = r.Issue(ctx, "EV1", types.Command{Kind: types.CommandStart})
		require.Equal(t, types.OutcomeAccepted, res.Outcome)
		assert.Equal(t, []call{{op: "start", serial: "EV1", amps: 10}}, ctrl.Calls())
	})

	t.Run("SetAmpsWhileCharging", func(t *testing.T) {
		ctrl := &fakeController{}
		st := plugged()
		st.Charging = true
		r, _, _ := newTestReconciler(ctrl, fakeState{"EV1": st})
		res := r.Issue(ctx, "EV1", types.Command{Kind: types.CommandSetAmps, Amps: 20})
		assert.Equal(t, types.OutcomeAccepted, res.Outcome)
		assert.Equal(t, []call{{op: "start", serial: "EV1", amps: 20}}, ctrl.Calls())
		require.Len(t, r.Holds(), 1)
		assert.Equal(t, types.AttributeAmps, r.Holds()[0].Attribute)
	})

	t.Run("TriggerMessageHasNoHold", func(t *testing.T) {
		ctrl := &fakeController{}
		r, _, _ := newTestReconciler(ctrl, fakeState{"EV1": plugged()})
		res := r.Issue(ctx, "EV1", types.Command{Kind: types.CommandTriggerMessage, Message: "MeterValues"})
		assert.Equal(t, types.OutcomeAccepted, res.Outcome)
		assert.Empty(t, res.HoldID)
		assert.Empty(t, r.Holds())

		res = r.Issue(ctx, "EV1", types.Command{Kind: types.CommandTriggerMessage})
		assert.Equal(t, types.OutcomePreconditionFailed, res.Outcome)
	})
}

func TestCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("ConfirmedClearsHold", func(t *testing.T) {
		ctrl := &fakeController{}
		r, _, _ := newTestReconciler(ctrl, fakeState{"EV1": plugged()})
		res := r.Issue(ctx, "EV1", types.Command{Kind: types.CommandSetMode, Mode: types.ChargeModeGreen})
		require.Equal(t, types.OutcomeAccepted, res.Outcome)

		before := plugged()
		attrs := r.Attributes(map[string]types.ChargerState{"EV1": before})
		var mode types.AttributeStatus
		for _, as := range attrs {
			if as.Attribute == types.AttributeMode {
				mode = as
			}
		}
		assert.Equal(t, types.HoldPending, mode.State)
		assert.Equal(t, "GREEN_CHARGING", mode.Value, "pending value masks confirmed state")
		assert.Equal(t, res.HoldID, mode.HoldID)
		require.NotNil(t, mode.ExpiresAt)

		assert.Empty(t, r.Check(ctx, map[string]types.ChargerState{"EV1": before}))

		after := plugged()
		after.Mode = types.ChargeModeGreen
		changes := r.Check(ctx, map[string]types.ChargerState{"EV1": after})
		require.Len(t, changes, 1)
		assert.Equal(t, types.HoldConfirmed, changes[0].State)
		assert.Empty(t, r.Holds())
	})

	t.Run("ExpiryIsUnconfirmed", func(t *testing.T) {
		ctrl := &fakeController{}
		r, clk, _ := newTestReconciler(ctrl, fakeState{"EV1": plugged()})
		require.Equal(t, types.OutcomeAccepted, r.Issue(ctx, "EV1", types.Command{Kind: types.CommandStop}).Outcome)

		state := map[string]types.ChargerState{"EV1": plugged()}
		state["EV1"] = func() types.ChargerState { s := plugged(); s.Charging = true; return s }()

		clk.t = clk.t.Add(89 * time.Second)
		assert.Empty(t, r.Check(ctx, state))

		clk.t = clk.t.Add(time.Second)
		changes := r.Check(ctx, state)
		require.Len(t, changes, 1)
		assert.Equal(t, types.HoldUnconfirmed, changes[0].State)
		assert.Empty(t, r.Holds())

		var charging types.AttributeStatus
		for _, as := range r.Attributes(state) {
			if as.Attribute == types.AttributeCharging {
				charging = as
			}
		}
		assert.Equal(t, types.HoldUnconfirmed, charging.State)
		assert.Equal(t, "true", charging.Value, "confirmed value is reported")

		clk.t = clk.t.Add(90 * time.Second)
		r.Check(ctx, state)
		for _, as := range r.Attributes(state) {
			assert.Equal(t, types.HoldConfirmed, as.State)
		}
	})

	t.Run("RemovedChargerClearsHold", func(t *testing.T) {
		ctrl := &fakeController{}
		r, _, _ := newTestReconciler(ctrl, fakeState{"EV1": plugged()})
		require.Equal(t, types.OutcomeAccepted, r.Issue(ctx, "EV1", types.Command{Kind: types.CommandStop}).Outcome)
		r.Forget("EV1")
		assert.Empty(t, r.Holds())
	})
}
