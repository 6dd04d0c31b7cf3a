/*
 * Credential Broker
 * Copyright (C) 2025  TIS Records
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package jwt

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// maxJWKSResponseSize caps how much of a JWKS response is read.
const maxJWKSResponseSize = 1 << 20

// KeyCacheConfig configures a KeyCache.
type KeyCacheConfig struct {
	// JWKSURL is the endpoint keys are fetched from.
	JWKSURL string
	// Client is the HTTP client used for fetches.
	Client *http.Client
	// Clock drives expiry of memoised keys.
	Clock clockwork.Clock
	// TTL bounds how long a fetched key set is kept.
	TTL time.Duration
	// Logger emits log messages.
	Logger *slog.Logger
}

// KeyCache memoises the gateway's public keys by certificate thumbprint
// (kid). A lookup miss triggers a synchronous refetch of the whole key
// set; a kid still unknown after the refetch is reported as not found.
// The cache is process wide and safe for concurrent use.
type KeyCache struct {
	cfg KeyCacheConfig

	mu      sync.Mutex
	keys    map[string]any
	expires time.Time
}

// NewKeyCache returns an empty key cache.
func NewKeyCache(cfg KeyCacheConfig) *KeyCache {
	return &KeyCache{cfg: cfg}
}

// Get returns the public key with the given kid, fetching the JWKS if
// the kid is unknown or the cached set has expired.
func (c *KeyCache) Get(ctx context.Context, kid string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Clock.Now()
	if !c.expires.IsZero() && now.After(c.expires) {
		c.keys = nil
		c.expires = time.Time{}
		c.cfg.Logger.DebugContext(ctx, "Invalidating expired JWKS key set")
	}

	if key, ok := c.keys[kid]; ok {
		return key, nil
	}

	// Unknown kid: refresh once. This is the only blocking call inside
	// the mutex; serialized cold-cache requests are rare enough that a
	// singleflight is not worth the complexity.
	if err := c.fetchLocked(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	c.expires = now.Add(c.cfg.TTL)

	key, ok := c.keys[kid]
	if !ok {
		return nil, trace.NotFound("no public key with kid %q in gateway JWKS", kid)
	}
	return key, nil
}

// Flush drops all memoised keys.
func (c *KeyCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = nil
	c.expires = time.Time{}
}

func (c *KeyCache) fetchLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.JWKSURL, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "fetching gateway JWKS")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return trace.ConnectionProblem(nil, "fetching gateway JWKS: status %v", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSResponseSize))
	if err != nil {
		return trace.ConnectionProblem(err, "reading gateway JWKS")
	}

	var keySet jose.JSONWebKeySet
	if err := json.Unmarshal(body, &keySet); err != nil {
		return trace.BadParameter("parsing gateway JWKS: %v", err)
	}

	keys := make(map[string]any, len(keySet.Keys))
	for _, jwk := range keySet.Keys {
		switch jwk.Key.(type) {
		case *rsa.PublicKey, *ecdsa.PublicKey:
		default:
			// Only asymmetric verification keys are usable here.
			continue
		}
		keys[jwk.KeyID] = jwk.Key
	}
	c.keys = keys
	return nil
}
