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

package verify

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/tisrecords/credbroker/lib/cache"
	"github.com/tisrecords/credbroker/lib/jwt"
)

type fakeDecoder struct {
	claims map[string]*jwt.Claims
}

func (d *fakeDecoder) Decode(ctx context.Context, token string) (*jwt.Claims, error) {
	claims, ok := d.claims[token]
	if !ok {
		return nil, trace.AccessDenied("invalid token")
	}
	return claims, nil
}

type fakeGateway struct {
	token        string
	exchangeErr  error
	gotVerifier  string
	gotCode      string
	gotRedirects []string
}

func (g *fakeGateway) VerificationAuthorizeURI(nonce, state, codeChallenge, redirectURI string) string {
	q := url.Values{}
	q.Set("nonce", nonce)
	q.Set("state", state)
	q.Set("code_challenge", codeChallenge)
	q.Set("redirect_uri", redirectURI)
	return "https://gw.example.com/oidc/authorize?" + q.Encode()
}

func (g *fakeGateway) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (string, error) {
	g.gotCode = code
	g.gotVerifier = codeVerifier
	g.gotRedirects = append(g.gotRedirects, redirectURI)
	if g.exchangeErr != nil {
		return "", g.exchangeErr
	}
	return g.token, nil
}

const testUUID = "8b1f8d10-9e33-4c44-a2ba-1a2bb4a9a6e1"

func testIdentity() Identity {
	return Identity{Forenames: "Anthony", Surname: "Gilliam", DateOfBirth: "1991-11-11"}
}

func testIdentityClaims() *jwt.IdentityClaims {
	return &jwt.IdentityClaims{
		UniqueIdentifier: testUUID,
		Forenames:        "Anthony",
		Surname:          "Gilliam",
		DateOfBirth:      "1991-11-11",
	}
}

func newTestService(t *testing.T, store cache.Store, decoder *fakeDecoder, gw *fakeGateway) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Cache:       store,
		Decoder:     decoder,
		Gateway:     gw,
		RedirectURI: "https://svc.example.com/api/verify/callback",
	})
	require.NoError(t, err)
	return svc
}

func TestVerificationFlow(t *testing.T) {
	ctx := t.Context()
	store := cache.NewMemoryStore(nil)
	decoder := &fakeDecoder{claims: map[string]*jwt.Claims{
		"bearer-1": {OriginJTI: "jti-1"},
	}}
	gw := &fakeGateway{token: "idtoken-1"}
	svc := newTestService(t, store, decoder, gw)

	uri, err := svc.Start(ctx, "bearer-1", testIdentity(), "client-xyz")
	require.NoError(t, err)

	parsed, err := url.Parse(uri)
	require.NoError(t, err)
	q := parsed.Query()
	nonce, state := q.Get("nonce"), q.Get("state")
	require.NotEmpty(t, nonce)
	require.NotEmpty(t, state)
	require.NotEqual(t, nonce, state)
	require.Equal(t, "https://svc.example.com/api/verify/callback", q.Get("redirect_uri"))

	// The challenge is the unpadded base64url SHA-256 of the cached
	// verifier.
	verifier, err := store.Peek(ctx, cache.CodeVerifier, state)
	require.NoError(t, err)
	sum := sha256.Sum256(verifier)
	require.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), q.Get("code_challenge"))

	decoder.claims["idtoken-1"] = &jwt.Claims{
		Nonce:    nonce,
		Scope:    "openid Identity",
		Identity: testIdentityClaims(),
	}

	redirect := svc.Complete(ctx, "code-1", state, "", "")
	require.Equal(t, "/credential-verified?state=client-xyz", redirect)
	require.Equal(t, "code-1", gw.gotCode)
	require.Equal(t, string(verifier), gw.gotVerifier)

	// The session is now verified and maps to the unique identifier.
	verified, err := svc.HasVerifiedSession(ctx, "bearer-1")
	require.NoError(t, err)
	require.True(t, verified)
	id, err := store.Peek(ctx, cache.VerifiedSession, "jti-1")
	require.NoError(t, err)
	require.Equal(t, testUUID, string(id))

	// All single-use artefacts are gone.
	for _, c := range []cache.Name{cache.CodeVerifier, cache.ClientState} {
		_, err := store.Peek(ctx, c, state)
		require.True(t, trace.IsNotFound(err), "cache %v should be evicted", c)
	}
	for _, c := range []cache.Name{cache.IdentityData, cache.UnverifiedSession} {
		_, err := store.Peek(ctx, c, nonce)
		require.True(t, trace.IsNotFound(err), "cache %v should be evicted", c)
	}
}

func TestStartRejectsInvalidBearer(t *testing.T) {
	svc := newTestService(t, cache.NewMemoryStore(nil), &fakeDecoder{}, &fakeGateway{})
	_, err := svc.Start(t.Context(), "garbage", testIdentity(), "")
	require.True(t, trace.IsAccessDenied(err))
}

func TestStartRejectsBearerWithoutSession(t *testing.T) {
	decoder := &fakeDecoder{claims: map[string]*jwt.Claims{"bearer-1": {}}}
	svc := newTestService(t, cache.NewMemoryStore(nil), decoder, &fakeGateway{})
	_, err := svc.Start(t.Context(), "bearer-1", testIdentity(), "")
	require.True(t, trace.IsAccessDenied(err))
}

func TestCompleteUnknownState(t *testing.T) {
	ctx := t.Context()
	store := cache.NewMemoryStore(nil)
	svc := newTestService(t, store, &fakeDecoder{}, &fakeGateway{})

	redirect := svc.Complete(ctx, "code-1", "unknown-state", "", "")
	require.Equal(t, "/invalid-credential?reason=no_code_verifier", redirect)

	// With a cached client state the redirect echoes it.
	require.NoError(t, store.Put(ctx, cache.ClientState, "state-1", []byte("client-xyz"), time.Minute))
	redirect = svc.Complete(ctx, "code-1", "state-1", "", "")
	require.Equal(t, "/invalid-credential?reason=no_code_verifier&state=client-xyz", redirect)
}

func TestCompleteIsSingleUse(t *testing.T) {
	ctx := t.Context()
	store := cache.NewMemoryStore(nil)
	decoder := &fakeDecoder{claims: map[string]*jwt.Claims{
		"bearer-1": {OriginJTI: "jti-1"},
	}}
	gw := &fakeGateway{token: "idtoken-1"}
	svc := newTestService(t, store, decoder, gw)

	uri, err := svc.Start(ctx, "bearer-1", testIdentity(), "")
	require.NoError(t, err)
	q := mustParseQuery(t, uri)
	decoder.claims["idtoken-1"] = &jwt.Claims{
		Nonce:    q.Get("nonce"),
		Scope:    "openid Identity",
		Identity: testIdentityClaims(),
	}

	require.Equal(t, "/credential-verified", svc.Complete(ctx, "code-1", q.Get("state"), "", ""))

	// A replayed callback loses the race for the code verifier.
	redirect := svc.Complete(ctx, "code-1", q.Get("state"), "", "")
	require.Equal(t, "/invalid-credential?reason=no_code_verifier", redirect)
}

func TestCompleteGatewayError(t *testing.T) {
	ctx := t.Context()
	store := cache.NewMemoryStore(nil)
	svc := newTestService(t, store, &fakeDecoder{}, &fakeGateway{})

	require.NoError(t, store.Put(ctx, cache.ClientState, "state-1", []byte("client-xyz"), time.Minute))
	redirect := svc.Complete(ctx, "", "state-1", "access_denied", "user cancelled")

	parsed, err := url.Parse(redirect)
	require.NoError(t, err)
	require.Equal(t, "/invalid-credential", parsed.Path)
	require.Equal(t, "user cancelled", parsed.Query().Get("reason"))
	require.Equal(t, "client-xyz", parsed.Query().Get("state"))
}

func TestCompleteUnsupportedScope(t *testing.T) {
	ctx := t.Context()
	store := cache.NewMemoryStore(nil)
	decoder := &fakeDecoder{claims: map[string]*jwt.Claims{
		"bearer-1":  {OriginJTI: "jti-1"},
		"idtoken-1": {Nonce: "ignored", Scope: "openid Profile", Identity: testIdentityClaims()},
	}}
	gw := &fakeGateway{token: "idtoken-1"}
	svc := newTestService(t, store, decoder, gw)

	uri, err := svc.Start(ctx, "bearer-1", testIdentity(), "")
	require.NoError(t, err)
	q := mustParseQuery(t, uri)

	redirect := svc.Complete(ctx, "code-1", q.Get("state"), "", "")
	require.Equal(t, "/invalid-credential?reason=unsupported_scope", redirect)
}

func TestCompleteMismatchedIdentity(t *testing.T) {
	ctx := t.Context()
	store := cache.NewMemoryStore(nil)
	decoder := &fakeDecoder{claims: map[string]*jwt.Claims{
		"bearer-1": {OriginJTI: "jti-1"},
	}}
	gw := &fakeGateway{token: "idtoken-1"}
	svc := newTestService(t, store, decoder, gw)

	uri, err := svc.Start(ctx, "bearer-1", testIdentity(), "")
	require.NoError(t, err)
	q := mustParseQuery(t, uri)

	claims := testIdentityClaims()
	claims.Surname = "Jones"
	decoder.claims["idtoken-1"] = &jwt.Claims{
		Nonce:    q.Get("nonce"),
		Scope:    "openid Identity",
		Identity: claims,
	}

	redirect := svc.Complete(ctx, "code-1", q.Get("state"), "", "")
	require.Equal(t, "/invalid-credential?reason=identity_verification_failed", redirect)

	verified, err := svc.HasVerifiedSession(ctx, "bearer-1")
	require.NoError(t, err)
	require.False(t, verified)
}

func TestCompleteExpiredSessionFailsClosed(t *testing.T) {
	ctx := t.Context()
	store := cache.NewMemoryStore(nil)
	decoder := &fakeDecoder{claims: map[string]*jwt.Claims{
		"bearer-1": {OriginJTI: "jti-1"},
	}}
	gw := &fakeGateway{token: "idtoken-1"}
	svc := newTestService(t, store, decoder, gw)

	uri, err := svc.Start(ctx, "bearer-1", testIdentity(), "")
	require.NoError(t, err)
	q := mustParseQuery(t, uri)
	decoder.claims["idtoken-1"] = &jwt.Claims{
		Nonce:    q.Get("nonce"),
		Scope:    "openid Identity",
		Identity: testIdentityClaims(),
	}

	// The caller's session entry lapsed between the legs: the match
	// succeeds but cannot be tied to anyone.
	_, err = store.TakeOnce(ctx, cache.UnverifiedSession, q.Get("nonce"))
	require.NoError(t, err)

	redirect := svc.Complete(ctx, "code-1", q.Get("state"), "", "")
	require.Equal(t, "/invalid-credential?reason=identity_verification_failed", redirect)
}

func TestCompleteTokenExchangeFailure(t *testing.T) {
	ctx := t.Context()
	store := cache.NewMemoryStore(nil)
	decoder := &fakeDecoder{claims: map[string]*jwt.Claims{
		"bearer-1": {OriginJTI: "jti-1"},
	}}
	gw := &fakeGateway{exchangeErr: trace.AccessDenied("bad grant")}
	svc := newTestService(t, store, decoder, gw)

	uri, err := svc.Start(ctx, "bearer-1", testIdentity(), "")
	require.NoError(t, err)
	q := mustParseQuery(t, uri)

	redirect := svc.Complete(ctx, "code-1", q.Get("state"), "", "")
	require.Equal(t, "/invalid-credential?reason=invalid_token", redirect)
}

func mustParseQuery(t *testing.T, uri string) url.Values {
	t.Helper()
	parsed, err := url.Parse(uri)
	require.NoError(t, err)
	return parsed.Query()
}
