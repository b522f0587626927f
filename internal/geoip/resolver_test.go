package geoip

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver(map[string]string{
		"203.0.113.7": "us",
		"198.51.100.9": "DE",
	})

	country, err := r.Country(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, "US", country)

	country, err = r.Country(context.Background(), "198.51.100.9")
	require.NoError(t, err)
	assert.Equal(t, "DE", country)

	_, err = r.Country(context.Background(), "192.0.2.1")
	assert.ErrorIs(t, err, ErrUnknownAddress)

	r.Set("192.0.2.1", "fr")
	country, err = r.Country(context.Background(), "192.0.2.1")
	require.NoError(t, err)
	assert.Equal(t, "FR", country)
}

func TestPrivateOrLoopback(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1", true},
		{"127.0.0.1:8443", true},
		{"::1", true},
		{"10.0.0.5", true},
		{"172.16.3.4", true},
		{"192.168.1.10", true},
		{"169.254.0.7", true},
		{"0.0.0.0", true},
		{"203.0.113.7", false},
		{"203.0.113.7:443", false},
		{"2001:db8::1", false},
		{"not-an-ip", false},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			assert.Equal(t, tt.want, PrivateOrLoopback(tt.addr))
		})
	}
}

type failingResolver struct {
	calls int
}

func (f *failingResolver) Country(context.Context, string) (string, error) {
	f.calls++
	return "", errors.New("resolver down")
}

func TestBreakerResolver_FailsOpen(t *testing.T) {
	inner := &failingResolver{}
	r := NewBreakerResolver(inner)

	// Failures never surface; the caller always gets an empty country.
	for i := 0; i < 10; i++ {
		country, err := r.Country(context.Background(), "203.0.113.7")
		require.NoError(t, err)
		assert.Empty(t, country)
	}

	// After five consecutive failures the breaker opens and stops calling
	// the inner resolver.
	assert.Equal(t, 5, inner.calls)
}

func TestBreakerResolver_PassesThrough(t *testing.T) {
	r := NewBreakerResolver(NewStaticResolver(map[string]string{"203.0.113.7": "US"}))

	country, err := r.Country(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, "US", country)

	// Unknown addresses resolve to empty without tripping the breaker.
	country, err = r.Country(context.Background(), "192.0.2.1")
	require.NoError(t, err)
	assert.Empty(t, country)
}
