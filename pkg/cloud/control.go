package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/raterudder/evsync/pkg/log"
	"github.com/raterudder/evsync/pkg/types"
)

// ControlResponse is the backend's answer to a control operation.
type ControlResponse struct {
	Status int
	// BodyStatus is the "status" field of the response body, if any.
	BodyStatus string
	Variant    Variant
	// Duration is the live stream window the backend advertised, if any.
	Duration time.Duration
}

// Accepted returns true for a success-shaped response.
func (r ControlResponse) Accepted() bool {
	if r.Status < 200 || r.Status >= 300 {
		return false
	}
	switch strings.ToLower(r.BodyStatus) {
	case "", "accepted", "success", "ok":
		return true
	}
	return false
}

type controlBody struct {
	Status    json.RawMessage `json:"status"`
	DurationS json.Number     `json:"duration_s"`
	Data      *struct {
		Status string `json:"status"`
	} `json:"data"`
}

func parseControlBody(resp Response) (string, time.Duration) {
	if len(resp.Body) == 0 {
		return "", 0
	}
	var cb controlBody
	dec := json.NewDecoder(bytes.NewReader(resp.Body))
	dec.UseNumber()
	if err := dec.Decode(&cb); err != nil {
		return "", 0
	}
	var status string
	if len(cb.Status) > 0 {
		// some deployments send a numeric status
		if err := json.Unmarshal(cb.Status, &status); err != nil {
			status = ""
		}
	}
	if status == "" && cb.Data != nil {
		status = cb.Data.Status
	}
	var d time.Duration
	if secs, err := cb.DurationS.Int64(); err == nil && secs > 0 {
		d = time.Duration(secs) * time.Second
	}
	return status, d
}

func (c *Client) control(ctx context.Context, op Operation, serial string, params map[string]any) (ControlResponse, error) {
	ctx = log.WithAttrs(ctx, slog.String("op", string(op)), slog.String("serial", serial))
	var out ControlResponse
	v, err := c.resolver.Execute(ctx, op, serial, func(ctx context.Context, v Variant) error {
		body, err := v.Body(params)
		if err != nil {
			return err
		}
		bearer := op == OpSetChargeMode
		resp, err := c.do(ctx, string(op), v.Method, v.URLPath(c.siteID, serial), nil, body, bearer)
		if err != nil {
			return err
		}
		out.Status = resp.Status
		out.BodyStatus, out.Duration = parseControlBody(resp)
		return nil
	})
	if err != nil {
		log.Ctx(ctx).InfoContext(ctx, "control operation failed", slog.Any("error", err))
		return ControlResponse{}, err
	}
	out.Variant = v
	log.Ctx(ctx).DebugContext(ctx, "control operation sent",
		slog.String("variant", v.String()),
		slog.Int("status", out.Status),
		slog.String("bodyStatus", out.BodyStatus),
	)
	return out, nil
}

// StartCharging starts charging at amps, or changes the level of an active
// session.
func (c *Client) StartCharging(ctx context.Context, serial string, amps, connectorID int) (ControlResponse, error) {
	if connectorID <= 0 {
		connectorID = 1
	}
	return c.control(ctx, OpStartCharging, serial, map[string]any{
		"chargingLevel": amps,
		"connectorId":   connectorID,
	})
}

// StopCharging stops the active session.
func (c *Client) StopCharging(ctx context.Context, serial string) (ControlResponse, error) {
	return c.control(ctx, OpStopCharging, serial, nil)
}

// TriggerMessage asks the charger to send a diagnostic message.
func (c *Client) TriggerMessage(ctx context.Context, serial, message string) (ControlResponse, error) {
	return c.control(ctx, OpTriggerMessage, serial, map[string]any{
		"requestedMessage": message,
	})
}

// SetChargeMode changes the scheduler preference.
func (c *Client) SetChargeMode(ctx context.Context, serial string, mode types.ChargeMode) (ControlResponse, error) {
	return c.control(ctx, OpSetChargeMode, serial, map[string]any{
		"mode": string(mode),
	})
}

// StartLiveStream asks the backend for a window of faster updates.
func (c *Client) StartLiveStream(ctx context.Context) (ControlResponse, error) {
	return c.control(ctx, OpStartLiveStream, "", nil)
}

// StopLiveStream ends the live stream window early.
func (c *Client) StopLiveStream(ctx context.Context) (ControlResponse, error) {
	return c.control(ctx, OpStopLiveStream, "", nil)
}
