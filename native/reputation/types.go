package reputation

import "fmt"

// Addr is an opaque 20-byte user address, compared verbatim. It mirrors the
// address representation used throughout nhbchain's other native modules
// (e.g. native/pos.Authorization.Payer).
type Addr [20]byte

// String renders the address as a 0x-prefixed hex string for logs and error
// messages.
func (a Addr) String() string {
	return fmt.Sprintf("0x%x", a[:])
}

// IsZero reports whether the address is the zero value.
func (a Addr) IsZero() bool {
	return a == Addr{}
}

// Protocol constants, named exactly as spec.md defines them.
const (
	// MaxIDTByProof bounds the amount a moderator may assert via a single
	// proof.
	MaxIDTByProof uint64 = 50_000
	// ForgetPenaltyBase is the flat component of a forget-penalty, before
	// adding the dampened penalty of the forgotten user.
	ForgetPenaltyBase uint64 = 500
	// TopVouchersSize bounds how many of a user's vouchers contribute to
	// their balance.
	TopVouchersSize = 5
	// MaxVoucheePenalty caps how much a single vouchee's penalty may
	// contribute to its voucher's penalty total.
	MaxVoucheePenalty uint64 = 2 * MaxIDTByProof
	// DecayPeriodSeconds is the wall-clock period over which one unit of
	// decay accrues.
	DecayPeriodSeconds int64 = 86_400
	// VoucherWeightNumerator/Denominator express the 1/10 coefficient
	// applied to a voucher's contribution. Kept as a rational pair per
	// spec's explicit instruction to use integer division, never floating
	// point.
	VoucherWeightNumerator   = 1
	VoucherWeightDenominator = 10
)

// ProofRecord is a moderator-issued assertion of a user's score. At most one
// exists per subject; a new proof replaces the prior one.
type ProofRecord struct {
	Moderator Addr
	Amount    uint64
	ProofID   uint64
	Timestamp int64
}

// PenaltyRecord is a moderator-issued penalty. Same shape and replacement
// semantics as ProofRecord.
type PenaltyRecord struct {
	Moderator Addr
	Amount    uint64
	ProofID   uint64
	Timestamp int64
}

// ForgetPenalty is the self-penalty a voucher incurs for forgetting a prior
// vouch, keyed by (owner, forgotten user).
type ForgetPenalty struct {
	Amount    uint64
	Timestamp int64
}

// VouchEdge describes a single voucher -> vouchee endorsement, optionally
// scoped to an external server partition. Timestamp is carried as uint64
// (rather than the int64 used by the rest of this package's domain types)
// since VouchEdge values are the direct shape persisted by VouchStore's
// adjacency indices, and go-ethereum's rlp does not encode signed integers.
type VouchEdge struct {
	Voucher   Addr
	Vouchee   Addr
	Server    *Addr
	Timestamp uint64
}

// serverKey normalises the optional server discriminator into a comparable
// map key: the zero address represents the local partition.
func serverKey(server *Addr) Addr {
	if server == nil {
		return Addr{}
	}
	return *server
}

// ServerInfo describes a registered external identity server partner.
type ServerInfo struct {
	Address Addr
	URL     string
	// Scale is a parts-per-10_000 multiplier applied to balances vouched in
	// from this server's partition, mirroring the integer-ratio convention
	// used by native/escrow.Escrow.FeeBps elsewhere in this repo.
	Scale uint32
}
