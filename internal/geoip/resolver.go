// Package geoip maps client network addresses to ISO country codes.
package geoip

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
)

// ErrUnknownAddress is returned when a resolver has no mapping for an
// address.
var ErrUnknownAddress = errors.New("unknown address")

// Resolver maps a network address to an uppercase ISO 3166-1 alpha-2
// country code.
type Resolver interface {
	Country(ctx context.Context, addr string) (string, error)
}

// StaticResolver resolves from a fixed in-memory table. It serves local
// deployments and tests.
type StaticResolver struct {
	mu      sync.RWMutex
	entries map[string]string
}

var _ Resolver = (*StaticResolver)(nil)

// NewStaticResolver creates a resolver over a fixed address table.
func NewStaticResolver(entries map[string]string) *StaticResolver {
	table := make(map[string]string, len(entries))
	for addr, country := range entries {
		table[addr] = strings.ToUpper(country)
	}
	return &StaticResolver{entries: table}
}

// Country implements Resolver.
func (r *StaticResolver) Country(_ context.Context, addr string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	country, ok := r.entries[addr]
	if !ok {
		return "", ErrUnknownAddress
	}
	return country, nil
}

// Set adds or replaces a mapping.
func (r *StaticResolver) Set(addr, country string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[addr] = strings.ToUpper(country)
}

// PrivateOrLoopback reports whether the address is private, loopback, or
// link-local. Such addresses are exempt from geo restriction.
func PrivateOrLoopback(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
