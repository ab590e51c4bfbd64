package reputation

// FlatDecay returns the number of decay units that have accrued for an event
// recorded at eventTS, as observed at now. Decay accrues at one unit per
// DecayPeriodSeconds of elapsed wall time, floored. Future-timestamped
// events (eventTS > now) produce zero decay rather than a negative value.
//
// This is the only place wall-clock time enters the score math; every
// calculator receives the result of FlatDecay/BalanceAfterDecay, never a raw
// timestamp, so the rest of the package stays pure and deterministic given
// fetched data.
func FlatDecay(eventTS, now int64) int64 {
	if now < eventTS {
		return 0
	}
	return (now - eventTS) / DecayPeriodSeconds
}

// BalanceAfterDecay applies decay units to amount, saturating at zero.
func BalanceAfterDecay(amount uint64, decay int64) uint64 {
	if decay <= 0 {
		return amount
	}
	d := uint64(decay)
	if d >= amount {
		return 0
	}
	return amount - d
}
