package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Namespace prefixes every key the detector writes, so a shared Redis/Valkey
// can be inspected with SCAN logwatch:*.
const Namespace = "logwatch:"

// CooldownPrefix scopes alert cooldown claims.
const CooldownPrefix = Namespace + "cooldown:"

// CooldownKey names one alert cooldown claim:
// logwatch:cooldown:<channel>|<endpoint>|<discriminator>. The discriminator is
// an anomaly reason, or the severity for records without reasons.
func CooldownKey(channel, endpoint, discriminator string) string {
	return CooldownPrefix + strings.Join([]string{channel, endpoint, discriminator}, "|")
}

// Provider is the shared state the detector keeps outside the process.
//
// Two kinds of keys live here. Cooldown claims are written with SetNX and a ttl
// equal to the alert cooldown; a claim that loses means the same channel already
// alerted on that endpoint and reason inside the window. Snapshot keys
// (LatestBatchKey and the alert hotspots) are overwritten with Set every cycle.
// A ttl of zero stores a key until it is replaced or deleted.
type Provider interface {
	// Get returns ErrCacheMiss for absent or expired keys.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX reports true when it created key, false when a live key already held it.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Close() error
}

// ErrCacheMiss signals that a cache key was not found.
var ErrCacheMiss = errors.New("cache miss")

// NoopProvider is used when no cache backend is configured. Nothing is stored:
// snapshots are unavailable and every cooldown claim wins, so alerts are never
// deduplicated.
type NoopProvider struct{}

func (NoopProvider) Get(context.Context, string) ([]byte, error) {
	return nil, ErrCacheMiss
}

func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

func (NoopProvider) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

func (NoopProvider) Del(context.Context, string) error { return nil }

func (NoopProvider) Close() error { return nil }
