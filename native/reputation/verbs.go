package reputation

import (
	"context"
)

// ProveRequest carries a moderator's assertion of a user's score.
type ProveRequest struct {
	Envelope Envelope `json:"envelope"`
	User     Addr     `json:"user"`
	Amount   uint64   `json:"amount"`
	ProofID  uint64   `json:"proofId"`
}

// PunishRequest carries a moderator's direct penalty against a user.
type PunishRequest struct {
	Envelope Envelope `json:"envelope"`
	User     Addr     `json:"user"`
	Amount   uint64   `json:"amount"`
	ProofID  uint64   `json:"proofId"`
}

// VouchRequest carries a voucher's endorsement of a vouchee, optionally
// scoped to an external server partition.
type VouchRequest struct {
	Envelope Envelope `json:"envelope"`
	Vouchee  Addr     `json:"vouchee"`
	Server   *Addr    `json:"server,omitempty"`
}

// ForgetRequest carries a voucher's withdrawal of a prior vouch.
type ForgetRequest struct {
	Envelope Envelope `json:"envelope"`
	Vouchee  Addr     `json:"vouchee"`
	Server   *Addr    `json:"server,omitempty"`
}

// RoleRequest carries an admin-gated admin/moderator membership change.
type RoleRequest struct {
	Envelope Envelope `json:"envelope"`
	Target   Addr     `json:"target"`
}

// ServerRequest carries an admin-gated external server registry change.
type ServerRequest struct {
	Envelope Envelope `json:"envelope"`
	Server   Addr     `json:"server"`
	URL      string   `json:"url,omitempty"`
	Scale    uint32   `json:"scale,omitempty"`
}

// Prove replaces user's proof, signed by a moderator. Rejects amounts above
// MaxIDTByProof before ever touching the ledger.
func (e *Engine) Prove(ctx context.Context, req ProveRequest) error {
	if e == nil {
		return ErrStorageUnavailable
	}
	prefix := proveMessagePrefix("prove", req.User, req.Amount, req.ProofID)
	if err := e.verifier.Verify(req.Envelope, prefix); err != nil {
		e.logger.Warn("reputation: prove rejected", "stage", "verify", "err", err)
		return err
	}
	isModerator, err := e.roles.IsModerator(req.Envelope.Signer)
	if err != nil {
		return err
	}
	if !isModerator {
		e.logger.Warn("reputation: prove rejected", "stage", "role", "signer", req.Envelope.Signer)
		return ErrUnauthorized
	}
	if req.Amount > MaxIDTByProof {
		e.logger.Warn("reputation: prove rejected", "stage", "limit", "amount", req.Amount)
		return ErrLimitExceeded
	}
	ts := e.nowFn()
	if err := e.ledger.PutProof(req.User, ProofRecord{
		Moderator: req.Envelope.Signer,
		Amount:    req.Amount,
		ProofID:   req.ProofID,
		Timestamp: ts,
	}); err != nil {
		return err
	}
	emitProofIssued(e.emitter, req.Envelope.Signer, req.User, req.Amount, req.ProofID, ts)
	e.logger.Debug("reputation: proof issued", "moderator", req.Envelope.Signer, "user", req.User, "amount", req.Amount)
	return nil
}

// Punish replaces user's moderator-penalty, signed by a moderator. Moderator
// self-punish is permitted, matching the reference's unrestricted check.
func (e *Engine) Punish(ctx context.Context, req PunishRequest) error {
	if e == nil {
		return ErrStorageUnavailable
	}
	prefix := proveMessagePrefix("punish", req.User, req.Amount, req.ProofID)
	if err := e.verifier.Verify(req.Envelope, prefix); err != nil {
		e.logger.Warn("reputation: punish rejected", "stage", "verify", "err", err)
		return err
	}
	isModerator, err := e.roles.IsModerator(req.Envelope.Signer)
	if err != nil {
		return err
	}
	if !isModerator {
		e.logger.Warn("reputation: punish rejected", "stage", "role", "signer", req.Envelope.Signer)
		return ErrUnauthorized
	}
	ts := e.nowFn()
	if err := e.ledger.PutPenalty(req.User, PenaltyRecord{
		Moderator: req.Envelope.Signer,
		Amount:    req.Amount,
		ProofID:   req.ProofID,
		Timestamp: ts,
	}); err != nil {
		return err
	}
	emitPenaltyIssued(e.emitter, req.Envelope.Signer, req.User, req.Amount, req.ProofID, ts)
	e.logger.Debug("reputation: penalty issued", "moderator", req.Envelope.Signer, "user", req.User, "amount", req.Amount)
	return nil
}

// Vouch upserts the (signer, vouchee, server) edge. Self-vouch is
// permitted, matching the reference's unrestricted check: it is harmless
// because a node is always on its own branch by the time the tree walker
// would consider it.
func (e *Engine) Vouch(ctx context.Context, req VouchRequest) error {
	if e == nil {
		return ErrStorageUnavailable
	}
	prefix := vouchMessagePrefix("vouch", req.Vouchee, req.Server)
	if err := e.verifier.Verify(req.Envelope, prefix); err != nil {
		e.logger.Warn("reputation: vouch rejected", "stage", "verify", "err", err)
		return err
	}
	ts := e.nowFn()
	if err := e.vouches.Vouch(req.Envelope.Signer, req.Vouchee, req.Server, ts); err != nil {
		return err
	}
	emitVouched(e.emitter, req.Envelope.Signer, req.Vouchee, req.Server, ts)
	e.logger.Debug("reputation: vouch recorded", "voucher", req.Envelope.Signer, "vouchee", req.Vouchee)
	return nil
}

// Forget removes the (signer, vouchee, server) edge and writes a
// forget-penalty against the signer, sized as
// ForgetPenaltyBase + floor(penalty(vouchee)/10) computed at this moment.
func (e *Engine) Forget(ctx context.Context, req ForgetRequest) error {
	if e == nil {
		return ErrStorageUnavailable
	}
	prefix := vouchMessagePrefix("forget", req.Vouchee, req.Server)
	if err := e.verifier.Verify(req.Envelope, prefix); err != nil {
		e.logger.Warn("reputation: forget rejected", "stage", "verify", "err", err)
		return err
	}
	if err := e.vouches.Remove(req.Envelope.Signer, req.Vouchee, req.Server); err != nil {
		return err
	}
	voucheePenalty, err := e.penalty.Penalty(req.Vouchee)
	if err != nil {
		return err
	}
	amount := ForgetPenaltyBase + voucheePenalty/VoucherWeightDenominator
	ts := e.nowFn()
	if err := e.ledger.PutForgetPenalty(req.Envelope.Signer, req.Vouchee, ForgetPenalty{
		Amount:    amount,
		Timestamp: ts,
	}); err != nil {
		return err
	}
	emitForgotten(e.emitter, req.Envelope.Signer, req.Vouchee, req.Server, amount, ts)
	e.logger.Debug("reputation: vouch forgotten", "voucher", req.Envelope.Signer, "vouchee", req.Vouchee, "penalty", amount)
	return nil
}

// AddAdmin adds target to the admin set. Requires the signer to already be
// an admin.
func (e *Engine) AddAdmin(ctx context.Context, req RoleRequest) error {
	return e.roleVerb(req, "add_admin", "admin", true, e.roles.AddAdmin)
}

// RemoveAdmin removes target from the admin set. Requires the signer to be
// an admin.
func (e *Engine) RemoveAdmin(ctx context.Context, req RoleRequest) error {
	return e.roleVerb(req, "remove_admin", "admin", false, e.roles.RemoveAdmin)
}

// AddModerator adds target to the moderator set. Requires the signer to be
// an admin.
func (e *Engine) AddModerator(ctx context.Context, req RoleRequest) error {
	return e.roleVerb(req, "add_moderator", "moderator", true, e.roles.AddModerator)
}

// RemoveModerator removes target from the moderator set. Requires the
// signer to be an admin.
func (e *Engine) RemoveModerator(ctx context.Context, req RoleRequest) error {
	return e.roleVerb(req, "remove_moderator", "moderator", false, e.roles.RemoveModerator)
}

func (e *Engine) roleVerb(req RoleRequest, verb, role string, added bool, mutate func(caller, target Addr) error) error {
	if e == nil {
		return ErrStorageUnavailable
	}
	prefix := simpleTargetPrefix(verb, req.Target)
	if err := e.verifier.Verify(req.Envelope, prefix); err != nil {
		e.logger.Warn("reputation: role change rejected", "verb", verb, "stage", "verify", "err", err)
		return err
	}
	if err := mutate(req.Envelope.Signer, req.Target); err != nil {
		e.logger.Warn("reputation: role change rejected", "verb", verb, "stage", "role", "err", err)
		return err
	}
	emitRoleChanged(e.emitter, req.Envelope.Signer, req.Target, role, added)
	e.logger.Debug("reputation: role changed", "verb", verb, "caller", req.Envelope.Signer, "target", req.Target)
	return nil
}

// AddServer registers or updates an external server. Requires the signer to
// be an admin.
func (e *Engine) AddServer(ctx context.Context, req ServerRequest) error {
	if e == nil {
		return ErrStorageUnavailable
	}
	prefix := simpleTargetPrefix("add_server", req.Server)
	if err := e.verifier.Verify(req.Envelope, prefix); err != nil {
		e.logger.Warn("reputation: add_server rejected", "stage", "verify", "err", err)
		return err
	}
	if err := e.servers.AddServer(req.Envelope.Signer, ServerInfo{Address: req.Server, URL: req.URL, Scale: req.Scale}); err != nil {
		e.logger.Warn("reputation: add_server rejected", "stage", "role", "err", err)
		return err
	}
	emitServerChanged(e.emitter, req.Envelope.Signer, req.Server, req.URL, req.Scale, false)
	e.logger.Debug("reputation: server registered", "caller", req.Envelope.Signer, "server", req.Server)
	return nil
}

// RemoveServer unregisters an external server. Requires the signer to be an
// admin.
func (e *Engine) RemoveServer(ctx context.Context, req ServerRequest) error {
	if e == nil {
		return ErrStorageUnavailable
	}
	prefix := simpleTargetPrefix("remove_server", req.Server)
	if err := e.verifier.Verify(req.Envelope, prefix); err != nil {
		e.logger.Warn("reputation: remove_server rejected", "stage", "verify", "err", err)
		return err
	}
	if err := e.servers.RemoveServer(req.Envelope.Signer, req.Server); err != nil {
		e.logger.Warn("reputation: remove_server rejected", "stage", "role", "err", err)
		return err
	}
	emitServerChanged(e.emitter, req.Envelope.Signer, req.Server, "", 0, true)
	e.logger.Debug("reputation: server removed", "caller", req.Envelope.Signer, "server", req.Server)
	return nil
}
