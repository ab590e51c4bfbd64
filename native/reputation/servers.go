package reputation

import (
	"fmt"
	"sync"
)

// serverState abstracts the persistence backend for the external server
// registry.
type serverState interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVDelete(key []byte) error
}

var serverRegistryKey = []byte("reputation/servers")

type storedServerInfo struct {
	URL   string
	Scale uint32
}

type serverRegistry struct {
	Addrs []Addr
	Infos []storedServerInfo
}

// ServerRegistry persists the known external identity-server partners
// (address, URL, scale), gated the same way as roles: admin-only writes
// under a single critical section.
type ServerRegistry struct {
	mu    sync.Mutex
	store serverState
	roles *RoleStore
}

// NewServerRegistry constructs a registry backed by the provided storage
// and role store.
func NewServerRegistry(store serverState, roles *RoleStore) *ServerRegistry {
	return &ServerRegistry{store: store, roles: roles}
}

// Seed idempotently ensures the supplied servers are registered.
func (s *ServerRegistry) Seed(servers []ServerInfo) error {
	if s == nil || s.store == nil {
		return ErrStorageUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, err := s.loadLocked()
	if err != nil {
		return err
	}
	for _, srv := range servers {
		reg = upsertServer(reg, srv)
	}
	return s.storeLocked(reg)
}

// AddServer registers or updates an external server. Requires caller to be
// an admin.
func (s *ServerRegistry) AddServer(caller Addr, info ServerInfo) error {
	if s == nil || s.store == nil || s.roles == nil {
		return ErrStorageUnavailable
	}
	isAdmin, err := s.roles.IsAdmin(caller)
	if err != nil {
		return err
	}
	if !isAdmin {
		return ErrUnauthorized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, err := s.loadLocked()
	if err != nil {
		return err
	}
	reg = upsertServer(reg, info)
	return s.storeLocked(reg)
}

// RemoveServer unregisters an external server. Requires caller to be an
// admin. No-op success if the server is unknown.
func (s *ServerRegistry) RemoveServer(caller, address Addr) error {
	if s == nil || s.store == nil || s.roles == nil {
		return ErrStorageUnavailable
	}
	isAdmin, err := s.roles.IsAdmin(caller)
	if err != nil {
		return err
	}
	if !isAdmin {
		return ErrUnauthorized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, err := s.loadLocked()
	if err != nil {
		return err
	}
	for i, a := range reg.Addrs {
		if a == address {
			reg.Addrs = append(reg.Addrs[:i], reg.Addrs[i+1:]...)
			reg.Infos = append(reg.Infos[:i], reg.Infos[i+1:]...)
			break
		}
	}
	return s.storeLocked(reg)
}

// Get returns the registered info for address, if any.
func (s *ServerRegistry) Get(address Addr) (ServerInfo, bool, error) {
	if s == nil || s.store == nil {
		return ServerInfo{}, false, ErrStorageUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, err := s.loadLocked()
	if err != nil {
		return ServerInfo{}, false, err
	}
	for i, a := range reg.Addrs {
		if a == address {
			return ServerInfo{Address: a, URL: reg.Infos[i].URL, Scale: reg.Infos[i].Scale}, true, nil
		}
	}
	return ServerInfo{}, false, nil
}

// List returns every registered server, in registration order.
func (s *ServerRegistry) List() ([]ServerInfo, error) {
	if s == nil || s.store == nil {
		return nil, ErrStorageUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	out := make([]ServerInfo, 0, len(reg.Addrs))
	for i, a := range reg.Addrs {
		out = append(out, ServerInfo{Address: a, URL: reg.Infos[i].URL, Scale: reg.Infos[i].Scale})
	}
	return out, nil
}

func upsertServer(reg serverRegistry, info ServerInfo) serverRegistry {
	for i, a := range reg.Addrs {
		if a == info.Address {
			reg.Infos[i] = storedServerInfo{URL: info.URL, Scale: info.Scale}
			return reg
		}
	}
	reg.Addrs = append(reg.Addrs, info.Address)
	reg.Infos = append(reg.Infos, storedServerInfo{URL: info.URL, Scale: info.Scale})
	return reg
}

func (s *ServerRegistry) loadLocked() (serverRegistry, error) {
	var reg serverRegistry
	ok, err := s.store.KVGet(serverRegistryKey, &reg)
	if err != nil {
		return serverRegistry{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if !ok {
		return serverRegistry{}, nil
	}
	return reg, nil
}

func (s *ServerRegistry) storeLocked(reg serverRegistry) error {
	if err := s.store.KVPut(serverRegistryKey, &reg); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}
