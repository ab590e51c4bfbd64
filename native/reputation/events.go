package reputation

import "nhbchain/core/events"

func emitProofIssued(emitter events.Emitter, moderator, user Addr, amount, proofID uint64, ts int64) {
	if emitter == nil {
		return
	}
	emitter.Emit(events.ReputationProofIssued{
		Moderator: moderator,
		User:      user,
		Amount:    amount,
		ProofID:   proofID,
		Timestamp: ts,
	})
}

func emitPenaltyIssued(emitter events.Emitter, moderator, user Addr, amount, proofID uint64, ts int64) {
	if emitter == nil {
		return
	}
	emitter.Emit(events.ReputationPenaltyIssued{
		Moderator: moderator,
		User:      user,
		Amount:    amount,
		ProofID:   proofID,
		Timestamp: ts,
	})
}

func emitVouched(emitter events.Emitter, voucher, vouchee Addr, server *Addr, ts int64) {
	if emitter == nil {
		return
	}
	emitter.Emit(events.ReputationVouched{
		Voucher:   voucher,
		Vouchee:   vouchee,
		Server:    serverEventAddr(server),
		Timestamp: ts,
	})
}

func emitForgotten(emitter events.Emitter, voucher, vouchee Addr, server *Addr, penalty uint64, ts int64) {
	if emitter == nil {
		return
	}
	emitter.Emit(events.ReputationForgotten{
		Voucher:       voucher,
		Vouchee:       vouchee,
		Server:        serverEventAddr(server),
		PenaltyAmount: penalty,
		Timestamp:     ts,
	})
}

func emitRoleChanged(emitter events.Emitter, caller, target Addr, role string, added bool) {
	if emitter == nil {
		return
	}
	emitter.Emit(events.ReputationRoleChanged{
		Caller: caller,
		Target: target,
		Role:   role,
		Added:  added,
	})
}

func emitServerChanged(emitter events.Emitter, caller, server Addr, url string, scale uint32, removed bool) {
	if emitter == nil {
		return
	}
	emitter.Emit(events.ReputationServerChanged{
		Caller:  caller,
		Server:  server,
		URL:     url,
		Scale:   scale,
		Removed: removed,
	})
}

func serverEventAddr(server *Addr) *[20]byte {
	if server == nil {
		return nil
	}
	addr := [20]byte(*server)
	return &addr
}
