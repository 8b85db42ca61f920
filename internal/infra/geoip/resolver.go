// Package geoip resolves request addresses to ISO country codes. The I18N
// middleware uses the result to pick a narration locale when a caller sends
// no language hints.
package geoip

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

// ErrUnavailable is returned when the resolver is not initialized.
var ErrUnavailable = errors.New("geoip resolver unavailable")

// maxCached bounds the per-address memo. The memo is dropped wholesale once
// full, which is enough for the handful of addresses a lesson author's
// browser polls from.
const maxCached = 4096

// CountryResolver resolves ISO country codes from IP addresses.
type CountryResolver interface {
	CountryCode(ip string) (string, error)
}

type countryReader interface {
	Country(ip net.IP) (*geoip2.Country, error)
	Close() error
}

// Resolver provides country lookups backed by a MaxMind GeoIP2 database.
type Resolver struct {
	reader countryReader

	mu    sync.Mutex
	cache map[netip.Addr]string
}

// NewResolver opens the GeoIP database at the given path. When the path is empty, nil is returned.
func NewResolver(path string) (CountryResolver, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open database: %w", err)
	}
	return newResolver(reader), nil
}

func newResolver(reader countryReader) *Resolver {
	return &Resolver{reader: reader, cache: make(map[netip.Addr]string)}
}

// CountryCode returns the ISO country code for the provided IP. Private,
// loopback and link-local addresses have no country and are answered
// without touching the database.
func (r *Resolver) CountryCode(ip string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return "", fmt.Errorf("geoip: invalid ip %q", ip)
	}
	addr = addr.Unmap()
	if !publicAddr(addr) {
		return "", nil
	}
	if r == nil || r.reader == nil {
		return "", ErrUnavailable
	}

	r.mu.Lock()
	code, ok := r.cache[addr]
	r.mu.Unlock()
	if ok {
		return code, nil
	}

	record, err := r.reader.Country(net.IP(addr.AsSlice()))
	if err != nil {
		return "", fmt.Errorf("geoip: lookup country: %w", err)
	}
	if record != nil {
		code = record.Country.IsoCode
	}

	r.mu.Lock()
	if len(r.cache) >= maxCached {
		clear(r.cache)
	}
	r.cache[addr] = code
	r.mu.Unlock()
	return code, nil
}

func publicAddr(addr netip.Addr) bool {
	return addr.IsValid() &&
		!addr.IsPrivate() &&
		!addr.IsLoopback() &&
		!addr.IsLinkLocalUnicast() &&
		!addr.IsUnspecified() &&
		!addr.IsMulticast()
}

// Close closes the underlying database reader.
func (r *Resolver) Close() error {
	if r == nil || r.reader == nil {
		return nil
	}
	return r.reader.Close()
}
