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

package cache

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// MemoryStore is an in-process Store used in tests and single-node dev
// setups. Expiry is lazy: entries are dropped when read past their TTL.
type MemoryStore struct {
	clock clockwork.Clock

	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// NewMemoryStore returns an empty in-memory store. A nil clock defaults
// to the real clock.
func NewMemoryStore(clock clockwork.Clock) *MemoryStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryStore{
		clock:   clock,
		entries: make(map[string]memoryEntry),
	}
}

// Put stores value under (cache, key) with the given TTL.
func (s *MemoryStore) Put(ctx context.Context, cache Name, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	s.entries[Key("", cache, key)] = memoryEntry{
		value:   stored,
		expires: s.clock.Now().Add(ttl),
	}
	return nil
}

// TakeOnce atomically reads and evicts the value under (cache, key).
func (s *MemoryStore) TakeOnce(ctx context.Context, cache Name, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := Key("", cache, key)
	entry, ok := s.entries[k]
	if ok {
		delete(s.entries, k)
	}
	if !ok || s.clock.Now().After(entry.expires) {
		return nil, trace.NotFound("cache %v has no entry for key %q", cache, key)
	}
	return entry.value, nil
}

// Peek reads the value under (cache, key) without evicting it.
func (s *MemoryStore) Peek(ctx context.Context, cache Name, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := Key("", cache, key)
	entry, ok := s.entries[k]
	if ok && s.clock.Now().After(entry.expires) {
		delete(s.entries, k)
		ok = false
	}
	if !ok {
		return nil, trace.NotFound("cache %v has no entry for key %q", cache, key)
	}
	return entry.value, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
