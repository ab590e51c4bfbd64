package reputation

import "sort"

// BalanceCalculator computes a user's effective IDT balance by walking the
// vouch graph over incoming edges (vouchers), per spec.md §4.7.
type BalanceCalculator struct {
	ledger   *Ledger
	vouches  *VouchStore
	penalty  *PenaltyCalculator
	servers  *ServerRegistry
	external bool
}

// NewBalanceCalculator constructs a balance calculator. penalty is used as
// the subroutine each exited node calls to compute its own penalty
// (spec.md §4.9: "the Balance Calculator calls the Penalty Calculator as a
// subroutine for the node being exited").
func NewBalanceCalculator(ledger *Ledger, vouches *VouchStore, penalty *PenaltyCalculator) *BalanceCalculator {
	return &BalanceCalculator{ledger: ledger, vouches: vouches, penalty: penalty}
}

// WithExternalServers enables walking external-server vouch partitions in
// addition to the local partition, scaled by the registered server's Scale.
// This is the integration point spec.md §9 flags as not fully defined in
// the reference; see DESIGN.md for the chosen contract.
func (b *BalanceCalculator) WithExternalServers(servers *ServerRegistry) *BalanceCalculator {
	b.servers = servers
	b.external = servers != nil
	return b
}

// Balance computes user's effective IDT balance.
func (b *BalanceCalculator) Balance(user Addr) (uint64, error) {
	if b == nil || b.ledger == nil || b.vouches == nil {
		return 0, ErrStorageUnavailable
	}
	return WalkTree(user, b.children, b.exit)
}

type voucherContribution struct {
	voucher Addr
	amount  uint64
	scale   uint32 // 10_000 for local/full-weight, server Scale otherwise
}

func (b *BalanceCalculator) children(node Addr) ([]Addr, error) {
	locals, err := b.vouches.VouchersWithTime(node, nil)
	if err != nil {
		return nil, err
	}
	out := make([]Addr, 0, len(locals))
	for v := range locals {
		out = append(out, v)
	}
	if !b.external || b.servers == nil {
		return out, nil
	}
	servers, err := b.servers.List()
	if err != nil {
		return nil, err
	}
	for _, srv := range servers {
		if srv.Scale == 0 {
			continue
		}
		srvAddr := srv.Address
		external, err := b.vouches.VouchersWithTime(node, &srvAddr)
		if err != nil {
			return nil, err
		}
		for v := range external {
			out = append(out, v)
		}
	}
	return out, nil
}

func (b *BalanceCalculator) exit(user Addr, branch *branchSet, results map[Addr]uint64) (uint64, error) {
	proven, err := b.provenOrGenesis(user)
	if err != nil {
		return 0, err
	}

	candidates, err := b.voucherCandidates(user, branch, results)
	if err != nil {
		return 0, err
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].amount > candidates[j].amount })
	if len(candidates) > TopVouchersSize {
		candidates = candidates[:TopVouchersSize]
	}
	var voucherContribution uint64
	for _, c := range candidates {
		weighted := (c.amount * VoucherWeightNumerator) / VoucherWeightDenominator
		if c.scale != fullScale {
			weighted = (weighted * uint64(c.scale)) / fullScale
		}
		voucherContribution += weighted
	}

	penaltyAmount, err := b.penalty.Penalty(user)
	if err != nil {
		return 0, err
	}

	positive := proven + voucherContribution
	if positive <= penaltyAmount {
		return 0, nil
	}
	return positive - penaltyAmount, nil
}

const fullScale uint32 = 10_000

func (b *BalanceCalculator) provenOrGenesis(user Addr) (uint64, error) {
	proof, ok, err := b.ledger.Proof(user)
	if err != nil {
		return 0, err
	}
	if ok {
		return proof.Amount, nil
	}
	genesis, ok, err := b.ledger.Genesis(user)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return genesis, nil
}

// voucherCandidates gathers (voucher, result, scale) tuples for every
// voucher of user that is not on the current branch and whose result is
// already computed (absence means it was skipped for being on the branch,
// i.e. a cycle).
func (b *BalanceCalculator) voucherCandidates(user Addr, branch *branchSet, results map[Addr]uint64) ([]voucherContribution, error) {
	var out []voucherContribution

	locals, err := b.vouches.VouchersWithTime(user, nil)
	if err != nil {
		return nil, err
	}
	for v := range locals {
		if branch.contains(v) {
			continue
		}
		result, ok := results[v]
		if !ok {
			continue
		}
		out = append(out, voucherContribution{voucher: v, amount: result, scale: fullScale})
	}

	if !b.external || b.servers == nil {
		return out, nil
	}
	servers, err := b.servers.List()
	if err != nil {
		return nil, err
	}
	for _, srv := range servers {
		if srv.Scale == 0 {
			continue
		}
		srvAddr := srv.Address
		external, err := b.vouches.VouchersWithTime(user, &srvAddr)
		if err != nil {
			return nil, err
		}
		for v := range external {
			if branch.contains(v) {
				continue
			}
			result, ok := results[v]
			if !ok {
				continue
			}
			out = append(out, voucherContribution{voucher: v, amount: result, scale: srv.Scale})
		}
	}
	return out, nil
}
