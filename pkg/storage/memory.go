package storage

import (
	"sort"
	"sync"
)

// AddressStore is the authoritative in-memory address table.
type AddressStore struct {
	lock sync.RWMutex

	addresses map[string]SuspiciousAddress
}

// NewAddressStore returns an empty in-memory address store.
func NewAddressStore() *AddressStore {
	return &AddressStore{
		lock:      sync.RWMutex{},
		addresses: make(map[string]SuspiciousAddress),
	}
}

func (m *AddressStore) Get(ip string) (SuspiciousAddress, bool) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	a, ok := m.addresses[ip]
	return a, ok
}

// All returns a copy of every record, sorted by address.
func (m *AddressStore) All() []SuspiciousAddress {
	m.lock.RLock()
	defer m.lock.RUnlock()

	res := make([]SuspiciousAddress, 0, len(m.addresses))
	for _, a := range m.addresses {
		res = append(res, a)
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].Address < res[j].Address
	})
	return res
}

// Put stores a record and reports whether the address was already known.
func (m *AddressStore) Put(a SuspiciousAddress) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	_, existed := m.addresses[a.Address]
	m.addresses[a.Address] = a
	return existed
}

func (m *AddressStore) Delete(ip string) bool {
	m.lock.Lock()
	defer m.lock.Unlock()

	_, existed := m.addresses[ip]
	delete(m.addresses, ip)
	return existed
}

// Replace swaps the whole table, used after reading the data file.
func (m *AddressStore) Replace(addresses map[string]SuspiciousAddress) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.addresses = addresses
}
