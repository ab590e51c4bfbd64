package reputation

// PenaltyCalculator computes a user's effective penalty by walking the
// vouch graph over outgoing edges (vouchees), per spec.md §4.8. It never
// recurses into the Balance Calculator: the two walks traverse inverted
// edge directions and are independently terminating (spec.md §4.9).
type PenaltyCalculator struct {
	ledger  *Ledger
	vouches *VouchStore
	now     func() int64
}

// NewPenaltyCalculator constructs a penalty calculator. now supplies the
// wall clock used for decay.
func NewPenaltyCalculator(ledger *Ledger, vouches *VouchStore, now func() int64) *PenaltyCalculator {
	return &PenaltyCalculator{ledger: ledger, vouches: vouches, now: now}
}

// Penalty computes user's effective penalty.
func (p *PenaltyCalculator) Penalty(user Addr) (uint64, error) {
	if p == nil || p.ledger == nil || p.vouches == nil {
		return 0, ErrStorageUnavailable
	}
	return WalkTree(user, p.children, p.exit)
}

func (p *PenaltyCalculator) children(node Addr) ([]Addr, error) {
	vouchees, err := p.vouches.VoucheesWithTime(node, nil)
	if err != nil {
		return nil, err
	}
	out := make([]Addr, 0, len(vouchees))
	for v := range vouchees {
		out = append(out, v)
	}
	return out, nil
}

func (p *PenaltyCalculator) nowFn() int64 {
	if p.now == nil {
		return 0
	}
	return p.now()
}

func (p *PenaltyCalculator) exit(user Addr, branch *branchSet, results map[Addr]uint64) (uint64, error) {
	now := p.nowFn()

	var direct uint64
	moderatorPenalty, ok, err := p.ledger.Penalty(user)
	if err != nil {
		return 0, err
	}
	if ok {
		direct = BalanceAfterDecay(moderatorPenalty.Amount, FlatDecay(moderatorPenalty.Timestamp, now))
	}

	var forgetSum uint64
	forgottenUsers, err := p.ledger.ForgottenUsers(user)
	if err != nil {
		return 0, err
	}
	for _, f := range forgottenUsers {
		rec, ok, err := p.ledger.ForgetPenaltyOf(user, f)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		decayed := BalanceAfterDecay(rec.Amount, FlatDecay(rec.Timestamp, now))
		if decayed == 0 {
			if err := p.ledger.DeleteForgetPenalty(user, f); err != nil {
				return 0, err
			}
			continue
		}
		forgetSum += decayed
	}

	vouchees, err := p.vouches.VoucheesWithTime(user, nil)
	if err != nil {
		return 0, err
	}
	var voucheeSum uint64
	for v := range vouchees {
		if branch.contains(v) {
			continue
		}
		result, ok := results[v]
		if !ok {
			continue
		}
		if result > MaxVoucheePenalty {
			result = MaxVoucheePenalty
		}
		voucheeSum += result
	}
	voucheeContribution := (voucheeSum * VoucherWeightNumerator) / VoucherWeightDenominator

	return direct + forgetSum + voucheeContribution, nil
}
