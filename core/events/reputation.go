package events

import (
	"encoding/hex"
	"strconv"

	"nhbchain/core/types"
)

const (
	// TypeReputationProofIssued is emitted when a moderator issues or
	// replaces a user's IDT proof.
	TypeReputationProofIssued = "reputation.proof_issued"
	// TypeReputationPenaltyIssued is emitted when a moderator penalizes a
	// user directly.
	TypeReputationPenaltyIssued = "reputation.penalty_issued"
	// TypeReputationVouched is emitted when a user vouches for another.
	TypeReputationVouched = "reputation.vouched"
	// TypeReputationForgotten is emitted when a voucher withdraws a vouch
	// and incurs a forget-penalty.
	TypeReputationForgotten = "reputation.forgotten"
	// TypeReputationRoleChanged is emitted when an admin or moderator set
	// membership changes.
	TypeReputationRoleChanged = "reputation.role_changed"
	// TypeReputationServerChanged is emitted when the external server
	// registry is updated.
	TypeReputationServerChanged = "reputation.server_changed"
)

// ReputationProofIssued reports a moderator-issued IDT proof.
type ReputationProofIssued struct {
	Moderator [20]byte
	User      [20]byte
	Amount    uint64
	ProofID   uint64
	Timestamp int64
}

// EventType satisfies the events.Event interface.
func (ReputationProofIssued) EventType() string { return TypeReputationProofIssued }

// Event converts the payload into a wire-friendly representation.
func (e ReputationProofIssued) Event() *types.Event {
	return &types.Event{Type: TypeReputationProofIssued, Attributes: map[string]string{
		"moderator": hex.EncodeToString(e.Moderator[:]),
		"user":      hex.EncodeToString(e.User[:]),
		"amount":    strconv.FormatUint(e.Amount, 10),
		"proofId":   strconv.FormatUint(e.ProofID, 10),
		"timestamp": strconv.FormatInt(e.Timestamp, 10),
	}}
}

// ReputationPenaltyIssued reports a moderator-issued direct penalty.
type ReputationPenaltyIssued struct {
	Moderator [20]byte
	User      [20]byte
	Amount    uint64
	ProofID   uint64
	Timestamp int64
}

// EventType satisfies the events.Event interface.
func (ReputationPenaltyIssued) EventType() string { return TypeReputationPenaltyIssued }

// Event converts the payload into a wire-friendly representation.
func (e ReputationPenaltyIssued) Event() *types.Event {
	return &types.Event{Type: TypeReputationPenaltyIssued, Attributes: map[string]string{
		"moderator": hex.EncodeToString(e.Moderator[:]),
		"user":      hex.EncodeToString(e.User[:]),
		"amount":    strconv.FormatUint(e.Amount, 10),
		"proofId":   strconv.FormatUint(e.ProofID, 10),
		"timestamp": strconv.FormatInt(e.Timestamp, 10),
	}}
}

// ReputationVouched reports a new or refreshed vouch edge.
type ReputationVouched struct {
	Voucher   [20]byte
	Vouchee   [20]byte
	Server    *[20]byte
	Timestamp int64
}

// EventType satisfies the events.Event interface.
func (ReputationVouched) EventType() string { return TypeReputationVouched }

// Event converts the payload into a wire-friendly representation.
func (e ReputationVouched) Event() *types.Event {
	attrs := map[string]string{
		"voucher":   hex.EncodeToString(e.Voucher[:]),
		"vouchee":   hex.EncodeToString(e.Vouchee[:]),
		"timestamp": strconv.FormatInt(e.Timestamp, 10),
	}
	if e.Server != nil {
		attrs["server"] = hex.EncodeToString(e.Server[:])
	}
	return &types.Event{Type: TypeReputationVouched, Attributes: attrs}
}

// ReputationForgotten reports a voucher withdrawing a vouch, incurring a
// forget-penalty against themselves.
type ReputationForgotten struct {
	Voucher       [20]byte
	Vouchee       [20]byte
	Server        *[20]byte
	PenaltyAmount uint64
	Timestamp     int64
}

// EventType satisfies the events.Event interface.
func (ReputationForgotten) EventType() string { return TypeReputationForgotten }

// Event converts the payload into a wire-friendly representation.
func (e ReputationForgotten) Event() *types.Event {
	attrs := map[string]string{
		"voucher":       hex.EncodeToString(e.Voucher[:]),
		"vouchee":       hex.EncodeToString(e.Vouchee[:]),
		"penaltyAmount": strconv.FormatUint(e.PenaltyAmount, 10),
		"timestamp":     strconv.FormatInt(e.Timestamp, 10),
	}
	if e.Server != nil {
		attrs["server"] = hex.EncodeToString(e.Server[:])
	}
	return &types.Event{Type: TypeReputationForgotten, Attributes: attrs}
}

// ReputationRoleChanged reports a membership change to the admin or
// moderator set.
type ReputationRoleChanged struct {
	Caller [20]byte
	Target [20]byte
	Role   string // "admin" or "moderator"
	Added  bool
}

// EventType satisfies the events.Event interface.
func (ReputationRoleChanged) EventType() string { return TypeReputationRoleChanged }

// Event converts the payload into a wire-friendly representation.
func (e ReputationRoleChanged) Event() *types.Event {
	return &types.Event{Type: TypeReputationRoleChanged, Attributes: map[string]string{
		"caller": hex.EncodeToString(e.Caller[:]),
		"target": hex.EncodeToString(e.Target[:]),
		"role":   e.Role,
		"added":  strconv.FormatBool(e.Added),
	}}
}

// ReputationServerChanged reports an external server registry mutation.
type ReputationServerChanged struct {
	Caller  [20]byte
	Server  [20]byte
	URL     string
	Scale   uint32
	Removed bool
}

// EventType satisfies the events.Event interface.
func (ReputationServerChanged) EventType() string { return TypeReputationServerChanged }

// Event converts the payload into a wire-friendly representation.
func (e ReputationServerChanged) Event() *types.Event {
	attrs := map[string]string{
		"caller":  hex.EncodeToString(e.Caller[:]),
		"server":  hex.EncodeToString(e.Server[:]),
		"removed": strconv.FormatBool(e.Removed),
	}
	if !e.Removed {
		attrs["url"] = e.URL
		attrs["scale"] = strconv.FormatUint(uint64(e.Scale), 10)
	}
	return &types.Event{Type: TypeReputationServerChanged, Attributes: attrs}
}
