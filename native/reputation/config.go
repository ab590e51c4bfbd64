package reputation

import (
	"encoding/json"
	"fmt"
	"os"

	nhbcrypto "nhbchain/crypto"
)

// BootstrapConfig is the seed data an operator supplies at process start:
// the initial admin/moderator sets, known external identity servers, and
// genesis balances for users who have never received a proof. Addresses
// are written as bech32 nhb1... strings, matching cmd/nhb-cli and rpc
// conventions, rather than raw hex.
type BootstrapConfig struct {
	Admins          []Addr
	Moderators      []Addr
	ExternalServers []ServerInfo
	Genesis         map[Addr]uint64
}

// bootstrapDocument is the literal JSON shape of the bootstrap file.
type bootstrapDocument struct {
	Admins          []string            `json:"admins"`
	Moderators      []string            `json:"moderators"`
	ExternalServers []externalServerDoc `json:"external_servers"`
	Genesis         map[string]uint64   `json:"genesis"`
}

type externalServerDoc struct {
	Address string `json:"address"`
	URL     string `json:"url"`
	Scale   uint32 `json:"scale"`
}

// LoadBootstrapConfig reads and decodes the bootstrap file at path. A
// missing file degrades to an empty configuration (no admins, moderators,
// servers or genesis balances seeded); a present-but-malformed file fails
// startup.
func LoadBootstrapConfig(path string) (BootstrapConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return BootstrapConfig{Genesis: map[Addr]uint64{}}, nil
		}
		return BootstrapConfig{}, fmt.Errorf("reputation: read bootstrap config: %w", err)
	}

	var doc bootstrapDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return BootstrapConfig{}, fmt.Errorf("%w: bootstrap config: %v", ErrMalformedRequest, err)
	}

	cfg := BootstrapConfig{Genesis: make(map[Addr]uint64, len(doc.Genesis))}

	for _, s := range doc.Admins {
		addr, err := decodeBech32Addr(s)
		if err != nil {
			return BootstrapConfig{}, fmt.Errorf("%w: admin address %q: %v", ErrMalformedRequest, s, err)
		}
		cfg.Admins = append(cfg.Admins, addr)
	}
	for _, s := range doc.Moderators {
		addr, err := decodeBech32Addr(s)
		if err != nil {
			return BootstrapConfig{}, fmt.Errorf("%w: moderator address %q: %v", ErrMalformedRequest, s, err)
		}
		cfg.Moderators = append(cfg.Moderators, addr)
	}
	for _, s := range doc.ExternalServers {
		addr, err := decodeBech32Addr(s.Address)
		if err != nil {
			return BootstrapConfig{}, fmt.Errorf("%w: server address %q: %v", ErrMalformedRequest, s.Address, err)
		}
		cfg.ExternalServers = append(cfg.ExternalServers, ServerInfo{Address: addr, URL: s.URL, Scale: s.Scale})
	}
	for s, balance := range doc.Genesis {
		addr, err := decodeBech32Addr(s)
		if err != nil {
			return BootstrapConfig{}, fmt.Errorf("%w: genesis address %q: %v", ErrMalformedRequest, s, err)
		}
		cfg.Genesis[addr] = balance
	}

	return cfg, nil
}

func decodeBech32Addr(s string) (Addr, error) {
	decoded, err := nhbcrypto.DecodeAddress(s)
	if err != nil {
		return Addr{}, err
	}
	var addr Addr
	copy(addr[:], decoded.Bytes())
	return addr, nil
}
