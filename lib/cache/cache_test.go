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
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	store, err := NewRedisStore(RedisConfig{
		Host: mr.Host(),
		Port: port,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisStorePutTakeOnce(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := t.Context()

	require.NoError(t, store.Put(ctx, CodeVerifier, "state-1", []byte("verifier"), time.Minute))

	value, err := store.TakeOnce(ctx, CodeVerifier, "state-1")
	require.NoError(t, err)
	require.Equal(t, []byte("verifier"), value)

	// Single use: a second read observes absence.
	_, err = store.TakeOnce(ctx, CodeVerifier, "state-1")
	require.True(t, trace.IsNotFound(err))
}

func TestRedisStorePeekKeepsEntry(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := t.Context()

	require.NoError(t, store.Put(ctx, VerifiedSession, "jti-1", []byte("uid"), time.Minute))

	for range 3 {
		value, err := store.Peek(ctx, VerifiedSession, "jti-1")
		require.NoError(t, err)
		require.Equal(t, []byte("uid"), value)
	}
}

func TestRedisStorePutReplacesAndResetsTTL(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := t.Context()

	require.NoError(t, store.Put(ctx, ClientState, "state-1", []byte("one"), time.Minute))
	mr.FastForward(45 * time.Second)
	require.NoError(t, store.Put(ctx, ClientState, "state-1", []byte("two"), time.Minute))
	mr.FastForward(45 * time.Second)

	// The rewrite reset the TTL, so the entry is still live 90s after the
	// first put.
	value, err := store.Peek(ctx, ClientState, "state-1")
	require.NoError(t, err)
	require.Equal(t, []byte("two"), value)
}

func TestRedisStoreTTLExpiry(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := t.Context()

	require.NoError(t, store.Put(ctx, IdentityData, "nonce-1", []byte("data"), 30*time.Second))
	mr.FastForward(31 * time.Second)

	_, err := store.TakeOnce(ctx, IdentityData, "nonce-1")
	require.True(t, trace.IsNotFound(err))
}

func TestRedisStoreUnavailable(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := t.Context()
	mr.Close()

	err := store.Put(ctx, ClientState, "state-1", []byte("value"), time.Minute)
	require.True(t, trace.IsConnectionProblem(err))

	_, err = store.TakeOnce(ctx, ClientState, "state-1")
	require.True(t, trace.IsConnectionProblem(err))
}

func TestRedisStoreKeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	store, err := NewRedisStore(RedisConfig{
		Host:      mr.Host(),
		Port:      port,
		KeyPrefix: "stage",
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Put(t.Context(), ClientState, "k", []byte("v"), time.Minute))
	require.True(t, mr.Exists("stage/client-state/k"))
}

func TestMemoryStore(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := NewMemoryStore(clock)
	ctx := t.Context()

	require.NoError(t, store.Put(ctx, CodeVerifier, "state-1", []byte("verifier"), time.Minute))

	value, err := store.TakeOnce(ctx, CodeVerifier, "state-1")
	require.NoError(t, err)
	require.Equal(t, []byte("verifier"), value)
	_, err = store.TakeOnce(ctx, CodeVerifier, "state-1")
	require.True(t, trace.IsNotFound(err))

	require.NoError(t, store.Put(ctx, VerifiedSession, "jti", []byte("uid"), time.Minute))
	clock.Advance(61 * time.Second)
	_, err = store.Peek(ctx, VerifiedSession, "jti")
	require.True(t, trace.IsNotFound(err))
}
