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

package gateway

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

func testSigningKeyPEM(t *testing.T) ([]byte, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), key
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *rsa.PrivateKey) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	keyPEM, key := testSigningKeyPEM(t)
	client, err := New(Config{
		Host:          server.URL,
		ClientID:      "client-1",
		ClientSecret:  "secret-1",
		SigningKeyPEM: keyPEM,
		Clock:         clockwork.NewFakeClockAt(testNow),
	})
	require.NoError(t, err)
	return client, key
}

func TestVerificationAuthorizeURI(t *testing.T) {
	client, _ := newTestClient(t, http.NotFoundHandler())

	uri := client.VerificationAuthorizeURI("nonce-1", "state-1", "challenge-1", "https://svc/api/verify/callback")
	parsed, err := url.Parse(uri)
	require.NoError(t, err)
	require.Equal(t, "/oidc/authorize", parsed.Path)

	q := parsed.Query()
	require.Equal(t, "client-1", q.Get("client_id"))
	require.Equal(t, "openid Identity", q.Get("scope"))
	require.Equal(t, "nonce-1", q.Get("nonce"))
	require.Equal(t, "state-1", q.Get("state"))
	require.Equal(t, "challenge-1", q.Get("code_challenge"))
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.Equal(t, "code", q.Get("response_type"))
}

func TestPushAuthorization(t *testing.T) {
	type parClaims struct {
		jwt.Claims
		Scope string `json:"scope"`
		Nonce string `json:"nonce"`
	}

	var received string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oidc/par", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client-1", r.PostForm.Get("client_id"))
		require.Equal(t, "secret-1", r.PostForm.Get("client_secret"))
		received = r.PostForm.Get("request")
		w.Write([]byte(`{"request_uri":"urn:ietf:params:oauth:request_uri:abc","expires_in":60}`))
	})

	client, key := newTestClient(t, handler)
	requestURI, err := client.PushAuthorization(t.Context(), parClaims{Scope: "issue.TrainingPlacement", Nonce: "nonce-1"})
	require.NoError(t, err)
	require.Equal(t, "urn:ietf:params:oauth:request_uri:abc", requestURI)

	// The request object is a JWT signed with the configured key.
	tok, err := jwt.ParseSigned(received, []jose.SignatureAlgorithm{jose.RS256})
	require.NoError(t, err)
	var claims parClaims
	require.NoError(t, tok.Claims(key.Public(), &claims))
	require.Equal(t, "issue.TrainingPlacement", claims.Scope)
	require.Equal(t, "nonce-1", claims.Nonce)
	require.True(t, claims.IssuedAt.Time().Equal(testNow))
	require.True(t, claims.NotBefore.Time().Equal(testNow))

	uri := client.IssuanceAuthorizeURI(requestURI, "state-1")
	parsed, err := url.Parse(uri)
	require.NoError(t, err)
	require.Equal(t, requestURI, parsed.Query().Get("request_uri"))
	require.Equal(t, "state-1", parsed.Query().Get("state"))
}

func TestExchangeCode(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/oidc/token", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		require.Equal(t, "code-1", r.PostForm.Get("code"))
		require.Equal(t, "verifier-1", r.PostForm.Get("code_verifier"))
		require.Equal(t, "https://svc/api/verify/callback", r.PostForm.Get("redirect_uri"))
		w.Write([]byte(`{"id_token":"token-1","token_type":"Bearer"}`))
	})

	client, _ := newTestClient(t, handler)
	token, err := client.ExchangeCode(t.Context(), "code-1", "verifier-1", "https://svc/api/verify/callback")
	require.NoError(t, err)
	require.Equal(t, "token-1", token)
}

func TestExchangeCodeGatewayRejection(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad grant", http.StatusBadRequest)
	}))

	_, err := client.ExchangeCode(t.Context(), "code-1", "verifier-1", "https://svc/cb")
	require.True(t, trace.IsAccessDenied(err))
}

func TestRevoke(t *testing.T) {
	var revoked string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/Revocation/revokecredential", r.URL.Path)
		require.NoError(t, r.ParseForm())
		revoked = r.PostForm.Get("credentialId")
		w.WriteHeader(http.StatusOK)
	})

	client, _ := newTestClient(t, handler)
	require.NoError(t, client.Revoke(t.Context(), "cred-1"))
	require.Equal(t, "cred-1", revoked)
}

func TestRevokeGatewayUnavailableIsRetryable(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))

	err := client.Revoke(t.Context(), "cred-1")
	require.True(t, trace.IsConnectionProblem(err))
}
