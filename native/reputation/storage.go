package reputation

import "github.com/ethereum/go-ethereum/rlp"

// memKV is a simple in-process map-backed store satisfying every *State
// storage seam in this package (ledgerState, nonceState, roleState,
// vouchState, serverState). It is the in-memory deployment mode referenced
// by SPEC_FULL.md and the backend every test in this package is built
// against, grounded on the teacher's original storage_test.go memoryStore,
// generalised from a test helper into a first-class store.
type memKV struct {
	data map[string][]byte
}

// newMemKV constructs an empty in-memory store.
func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte)}
}

func (m *memKV) KVPut(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.data[string(key)] = encoded
	return nil
}

func (m *memKV) KVGet(key []byte, out interface{}) (bool, error) {
	encoded, ok := m.data[string(key)]
	if !ok {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(encoded, out); err != nil {
		return false, err
	}
	return true, nil
}

func (m *memKV) KVDelete(key []byte) error {
	delete(m.data, string(key))
	return nil
}
