package waf

import (
	"sort"
	"sync"
	"time"
)

// BanEntry records a banned address and why it was banned.
type BanEntry struct {
	Address   string    `json:"address"`
	Reason    Category  `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// BanListener receives the full ban set whenever it changes, so bans apply
// uniformly across enforcement layers.
type BanListener interface {
	UpdateBans(addresses []string)
}

// banSet is the enforced set of banned addresses.
type banSet struct {
	mu      sync.RWMutex
	entries map[string]BanEntry
}

func newBanSet() *banSet {
	return &banSet{entries: make(map[string]BanEntry)}
}

func (b *banSet) banned(addr string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.entries[addr]
	return ok
}

// ban records an entry and reports whether the address was newly banned.
func (b *banSet) ban(addr string, reason Category, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[addr]; ok {
		return false
	}
	b.entries[addr] = BanEntry{Address: addr, Reason: reason, Timestamp: now}
	return true
}

func (b *banSet) unban(addr string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[addr]; !ok {
		return false
	}
	delete(b.entries, addr)
	return true
}

func (b *banSet) list() []BanEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entries := make([]BanEntry, 0, len(b.entries))
	for _, entry := range b.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Address < entries[j].Address
	})
	return entries
}

func (b *banSet) addresses() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	addrs := make([]string, 0, len(b.entries))
	for addr := range b.entries {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}
