// =============================================
// File: internal/protocol/selector.go
// =============================================
package protocol

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Selector picks the venue that currently trades a token. Adapters are
// probed in order (bonding curve first, then the AMM it migrates to); the
// winner is cached per token for a short TTL.
type Selector struct {
	registry *Registry
	order    []string
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu    sync.RWMutex
	cache map[string]cached
	group singleflight.Group
}

type cached struct {
	protocol string
	expires  time.Time
}

// NewSelector creates a selector probing the named adapters in order.
func NewSelector(registry *Registry, order []string, ttl time.Duration, logger *zap.Logger) *Selector {
	return &Selector{
		registry: registry,
		order:    append([]string(nil), order...),
		ttl:      ttl,
		now:      time.Now,
		logger:   logger.Named("selector"),
		cache:    make(map[string]cached),
	}
}

// Select returns the protocol name for a token, or ErrUnsupportedToken.
func (s *Selector) Select(ctx context.Context, token string) (string, error) {
	s.mu.RLock()
	c, ok := s.cache[token]
	s.mu.RUnlock()
	if ok && s.now().Before(c.expires) {
		return c.protocol, nil
	}

	// Concurrent cycles for the same token share one probe.
	v, err, _ := s.group.Do(token, func() (interface{}, error) {
		return s.detect(ctx, token)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Selector) detect(ctx context.Context, token string) (string, error) {
	var lastErr error
	for _, name := range s.order {
		adapter, err := s.registry.Get(name)
		if err != nil {
			continue
		}
		if _, err := adapter.GetPrice(ctx, token); err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.logger.Debug("Venue price lookup failed",
					zap.String("protocol", name),
					zap.String("token", token),
					zap.Error(err))
				lastErr = err
			}
			continue
		}

		s.mu.Lock()
		s.cache[token] = cached{protocol: name, expires: s.now().Add(s.ttl)}
		s.mu.Unlock()

		s.logger.Debug("Protocol selected", zap.String("token", token), zap.String("protocol", name))
		return name, nil
	}

	// No venue could quote the token; keep the last lookup failure for the logs.
	if lastErr != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrUnsupportedToken, token, lastErr)
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedToken, token)
}

// Invalidate drops the cached venue for a token.
func (s *Selector) Invalidate(token string) {
	s.mu.Lock()
	delete(s.cache, token)
	s.mu.Unlock()
}

// Adapter resolves the adapter for a protocol name.
func (s *Selector) Adapter(name string) (Adapter, error) {
	return s.registry.Get(name)
}
