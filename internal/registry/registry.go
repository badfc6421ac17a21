package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"trove-guardian/internal/strategy"
)

// ErrInvalidAddress is returned when an address is not a 20-byte hex string.
var ErrInvalidAddress = errors.New("invalid address")

// WatchedPosition is one registry entry.
type WatchedPosition struct {
	Address      string            `json:"address"`
	Strategy     strategy.Strategy `json:"strategy"`
	AgentID      string            `json:"agentId"`
	RegisteredAt time.Time         `json:"registeredAt"`
}

// Registry holds the set of addresses being watched. Keys are lower-cased.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]WatchedPosition
	now     func() time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]WatchedPosition),
		now:     time.Now,
	}
}

// Key canonicalises an address for registry lookups.
func Key(address string) string {
	key := strings.ToLower(strings.TrimSpace(address))
	if len(key) == 2*common.AddressLength && common.IsHexAddress(key) {
		key = "0x" + key
	}
	return key
}

// Register upserts the watch entry for address.
func (r *Registry) Register(address string, strat strategy.Strategy, agentID string) (WatchedPosition, error) {
	key := Key(address)
	if !common.IsHexAddress(key) {
		return WatchedPosition{}, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	entry := WatchedPosition{
		Address:      key,
		Strategy:     strat,
		AgentID:      strings.TrimSpace(agentID),
		RegisteredAt: r.now().UTC(),
	}

	r.mu.Lock()
	r.entries[key] = entry
	r.mu.Unlock()
	return entry, nil
}

// Deregister removes address and reports whether it was present.
func (r *Registry) Deregister(address string) bool {
	key := Key(address)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; !ok {
		return false
	}
	delete(r.entries, key)
	return true
}

// Get looks up a single entry.
func (r *Registry) Get(address string) (WatchedPosition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[Key(address)]
	return entry, ok
}

// Count returns the number of distinct watched addresses.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List returns a copy of all entries ordered by address.
func (r *Registry) List() []WatchedPosition {
	r.mu.RLock()
	out := make([]WatchedPosition, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
