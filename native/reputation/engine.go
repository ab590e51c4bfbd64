package reputation

import (
	"log/slog"

	"nhbchain/core/events"
)

// engineState is the full storage seam the Engine depends on: every
// sub-component is backed by the same KVGet/KVPut/KVDelete interface, so a
// single trie-backed state.Manager (in production) or memKV (in tests and
// the in-process deployment mode) satisfies all of them at once.
type engineState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

// Engine wires the ledger, vouch graph, role store, server registry, nonce
// manager and balance/penalty calculators into the single entry point
// module operations are issued against. It mirrors the teacher's original
// skill-attestation Ledger facade, generalised to the full set of verbs the
// reputation protocol requires.
type Engine struct {
	logger  *slog.Logger
	emitter events.Emitter

	ledger   *Ledger
	roles    *RoleStore
	servers  *ServerRegistry
	vouches  *VouchStore
	nonces   *NonceManager
	verifier *Verifier
	balance  *BalanceCalculator
	penalty  *PenaltyCalculator

	now func() int64
}

// NewEngine constructs an engine backed by the provided storage, wiring
// every sub-component against the same backend. A nil logger defaults to
// slog.Default(); a nil now defaults to a zero clock (tests should always
// supply one).
func NewEngine(store engineState, logger *slog.Logger, now func() int64) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = func() int64 { return 0 }
	}
	ledger := NewLedger(store)
	roles := NewRoleStore(store)
	servers := NewServerRegistry(store, roles)
	vouches := NewVouchStore(store)
	nonces := NewNonceManager(store)
	penalty := NewPenaltyCalculator(ledger, vouches, now)
	balance := NewBalanceCalculator(ledger, vouches, penalty).WithExternalServers(servers)

	return &Engine{
		logger:   logger,
		emitter:  events.NoopEmitter{},
		ledger:   ledger,
		roles:    roles,
		servers:  servers,
		vouches:  vouches,
		nonces:   nonces,
		verifier: NewVerifier(nil, nonces),
		balance:  balance,
		penalty:  penalty,
		now:      now,
	}
}

// SetEmitter overrides the event emitter used to broadcast mutation events.
// Defaults to events.NoopEmitter{}.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

// SetRecoverer overrides the signature recovery strategy used by Verify.
// Primarily used by tests that stub recovery.
func (e *Engine) SetRecoverer(recoverer Recoverer) {
	if e == nil {
		return
	}
	e.verifier = NewVerifier(recoverer, e.nonces)
}

// Seed idempotently bootstraps the admin/moderator sets, external server
// registry and genesis balances, intended to run once at process start from
// the JSON bootstrap config (see config.go).
func (e *Engine) Seed(cfg BootstrapConfig) error {
	if e == nil {
		return ErrStorageUnavailable
	}
	if err := e.roles.Seed(cfg.Admins, cfg.Moderators); err != nil {
		return err
	}
	if err := e.servers.Seed(cfg.ExternalServers); err != nil {
		return err
	}
	for addr, balance := range cfg.Genesis {
		if err := e.ledger.SetGenesis(addr, balance); err != nil {
			return err
		}
	}
	return nil
}

// Balance computes user's effective IDT balance.
func (e *Engine) Balance(user Addr) (uint64, error) {
	if e == nil {
		return 0, ErrStorageUnavailable
	}
	return e.balance.Balance(user)
}

// Penalty computes user's effective penalty.
func (e *Engine) Penalty(user Addr) (uint64, error) {
	if e == nil {
		return 0, ErrStorageUnavailable
	}
	return e.penalty.Penalty(user)
}

func (e *Engine) nowFn() int64 {
	if e.now == nil {
		return 0
	}
	return e.now()
}
