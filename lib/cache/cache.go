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

// Package cache provides the keyed, TTL-partitioned store that carries
// flow state between independent request legs.
package cache

import (
	"context"
	"strings"
	"time"
)

// Name identifies a logical cache. Each logical cache gets an
// independent TTL from configuration and its own key namespace.
type Name string

const (
	// IdentityData holds the identity submitted when verification starts,
	// keyed by nonce. Single use.
	IdentityData Name = "identity-data"
	// ClientState holds the opaque state the client wants echoed back,
	// keyed by the internal state UUID. Single use.
	ClientState Name = "client-state"
	// CodeVerifier holds the PKCE verifier, keyed by state. Single use.
	CodeVerifier Name = "code-verifier"
	// UnverifiedSession maps nonce to the caller's origin_jti while a
	// verification is in flight. Single use.
	UnverifiedSession Name = "unverified-session"
	// VerifiedSession maps origin_jti to the verified unique identifier.
	// Read-keep, expires by TTL only.
	VerifiedSession Name = "verified-session"
	// CredentialPayload holds the credential submitted for issuance,
	// keyed by state. Single use.
	CredentialPayload Name = "credential-payload"
	// TraineeID holds the trainee id extracted from the issuance bearer,
	// keyed by state. Single use.
	TraineeID Name = "trainee-id"
)

// Store is a keyed, TTL'd key-value store shared by all workers.
//
// TakeOnce is the read-and-evict operation: the read and the removal are
// observed as a single step, so of two concurrent readers exactly one
// sees the value. Peek is the read-keep variant used for caches whose
// entries must survive reads.
//
// Absence is reported as trace.NotFound. An unreachable backing store is
// reported as trace.ConnectionProblem; read-evict callers treat that the
// same as absent and fail their flow closed.
type Store interface {
	// Put stores value under (cache, key), replacing any previous value
	// and resetting the TTL.
	Put(ctx context.Context, cache Name, key string, value []byte, ttl time.Duration) error

	// TakeOnce atomically reads and evicts the value under (cache, key).
	TakeOnce(ctx context.Context, cache Name, key string) ([]byte, error)

	// Peek reads the value under (cache, key) without evicting it.
	Peek(ctx context.Context, cache Name, key string) ([]byte, error)

	// Close releases the store and all associated resources.
	Close() error
}

// Separator joins the key prefix, cache name and key.
const Separator = "/"

// Key builds the backing-store key for (prefix, cache, key). The prefix
// is optional and lets several deployments share one Redis.
func Key(prefix string, cache Name, key string) string {
	parts := []string{string(cache), key}
	if prefix != "" {
		parts = append([]string{prefix}, parts...)
	}
	return strings.Join(parts, Separator)
}
