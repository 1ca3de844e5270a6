package types

import "time"

// Attribute is a controllable charger attribute that can be held optimistically.
type Attribute string

const (
	AttributeCharging Attribute = "charging"
	AttributeMode     Attribute = "mode"
	AttributeAmps     Attribute = "amps"
)

// OptimisticHold masks a charger attribute with the value a command asked for
// until the backend confirms it or the hold expires.
type OptimisticHold struct {
	ID        string    `json:"id"`
	Serial    string    `json:"serial"`
	Attribute Attribute `json:"attribute"`
	Desired   string    `json:"desired"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired returns true once the hold is past its expiry.
func (h OptimisticHold) Expired(now time.Time) bool {
	return !now.Before(h.ExpiresAt)
}

// HoldState is the confirmation state of a controllable attribute.
type HoldState string

const (
	HoldConfirmed   HoldState = "confirmed"
	HoldPending     HoldState = "pending"
	HoldUnconfirmed HoldState = "unconfirmed"
)

// AttributeStatus is what the entity layer sees for one controllable attribute.
type AttributeStatus struct {
	Serial    string     `json:"serial"`
	Attribute Attribute  `json:"attribute"`
	State     HoldState  `json:"state"`
	Value     string     `json:"value"`
	HoldID    string     `json:"holdID,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// CommandKind is a control operation on a charger.
type CommandKind string

const (
	CommandStart          CommandKind = "start"
	CommandStop           CommandKind = "stop"
	CommandSetMode        CommandKind = "set_mode"
	CommandSetAmps        CommandKind = "set_amps"
	CommandTriggerMessage CommandKind = "trigger_message"
)

// Command is a requested change to a charger.
type Command struct {
	Kind        CommandKind `json:"kind"`
	Amps        int         `json:"amps,omitempty"`
	ConnectorID int         `json:"connectorID,omitempty"`
	Mode        ChargeMode  `json:"mode,omitempty"`
	// Message is the requested diagnostic message for trigger_message.
	Message string `json:"message,omitempty"`
}

// Outcome is the kind of result a command produced.
type Outcome string

const (
	OutcomeAccepted           Outcome = "accepted"
	OutcomeNoop               Outcome = "noop"
	OutcomeRejected           Outcome = "rejected"
	OutcomeUnconfirmed        Outcome = "unconfirmed"
	OutcomePreconditionFailed Outcome = "precondition_failed"
	OutcomePendingHold        Outcome = "pending_hold"
)

// CommandResult is returned synchronously from issuing a command.
type CommandResult struct {
	Outcome Outcome `json:"outcome"`
	HoldID  string  `json:"holdID,omitempty"`
	Reason  string  `json:"reason,omitempty"`
	Err     error   `json:"-"`
}

// Error returns the error message, if any, for serialization.
func (r CommandResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
