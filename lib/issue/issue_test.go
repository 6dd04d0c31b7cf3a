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

package issue

import (
	"context"
	"net/url"
	"testing"
	"time"

	josejwt "github.com/go-jose/go-jose/v4/jwt"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/tisrecords/credbroker/lib/cache"
	"github.com/tisrecords/credbroker/lib/jwt"
	"github.com/tisrecords/credbroker/lib/metadata"
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
	parClaims   map[string]any
	token       string
	exchangeErr error
	gotVerifier string
}

func (g *fakeGateway) PushAuthorization(ctx context.Context, claims any) (string, error) {
	g.parClaims = claims.(map[string]any)
	return "urn:ietf:params:oauth:request_uri:abc", nil
}

func (g *fakeGateway) IssuanceAuthorizeURI(requestURI, state string) string {
	q := url.Values{}
	q.Set("request_uri", requestURI)
	q.Set("state", state)
	return "https://gw.example.com/oidc/authorize?" + q.Encode()
}

func (g *fakeGateway) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (string, error) {
	g.gotVerifier = codeVerifier
	if g.exchangeErr != nil {
		return "", g.exchangeErr
	}
	return g.token, nil
}

func testPlacement() *Placement {
	return &Placement{
		ID:                 "tis-40",
		Specialty:          "General Practice",
		Grade:              "ST3",
		NationalPostNumber: "NPN-1",
		EmployingBody:      "Trust A",
		Site:               "Site B",
		StartDate:          "2025-01-06",
		EndDate:            "2025-07-04",
	}
}

func newTestService(t *testing.T, store *metadata.MemoryStore, decoder *fakeDecoder, gw *fakeGateway) (*Service, cache.Store) {
	t.Helper()
	cacheStore := cache.NewMemoryStore(nil)
	svc, err := NewService(Config{
		Cache:       cacheStore,
		Decoder:     decoder,
		Gateway:     gw,
		Store:       store,
		CallbackURI: "https://svc.example.com/api/issue/callback",
		RedirectURI: "https://app.example.com/credential-issued",
	})
	require.NoError(t, err)
	return svc, cacheStore
}

func TestPlacementExpiresAtEndOfDay(t *testing.T) {
	expires, err := testPlacement().ExpiresAt()
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 7, 4, 23, 59, 59, 0, time.UTC), expires)

	_, err = (&Placement{EndDate: "04/07/2025"}).ExpiresAt()
	require.True(t, trace.IsBadParameter(err))
}

func TestCredentialValidate(t *testing.T) {
	require.Empty(t, testPlacement().Validate())

	problems := (&Placement{EndDate: "not-a-date"}).Validate()
	require.Contains(t, problems, "tisId")
	require.Contains(t, problems, "specialty")
	require.Equal(t, "must be an ISO-8601 date", problems["endDate"])

	require.Empty(t, (&ProgrammeMembership{
		ID:                 "tis-41",
		ProgrammeName:      "Cardiology",
		ProgrammeStartDate: "2024-08-01",
		ProgrammeEndDate:   "2027-08-01",
	}).Validate())
}

func TestParseCredential(t *testing.T) {
	credential, err := ParseCredential(metadata.TypeProgrammeMembership,
		[]byte(`{"tisId":"tis-41","programmeName":"Cardiology"}`))
	require.NoError(t, err)
	require.Equal(t, "tis-41", credential.TisID())
	require.Equal(t, metadata.TypeProgrammeMembership, credential.Type())

	_, err = ParseCredential("certificate", []byte(`{}`))
	require.True(t, trace.IsBadParameter(err))
}

func TestIssuanceFlow(t *testing.T) {
	ctx := t.Context()
	store := metadata.NewMemoryStore()
	issuedAt := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	decoder := &fakeDecoder{claims: map[string]*jwt.Claims{
		"bearer-1": {TisID: "trainee-7"},
		"idtoken-1": {
			Claims:       josejwt.Claims{IssuedAt: josejwt.NewNumericDate(issuedAt)},
			SerialNumber: "cred-1",
		},
	}}
	gw := &fakeGateway{token: "idtoken-1"}
	svc, cacheStore := newTestService(t, store, decoder, gw)

	uri, err := svc.Start(ctx, "bearer-1", testPlacement(), "client-xyz")
	require.NoError(t, err)

	parsed, err := url.Parse(uri)
	require.NoError(t, err)
	state := parsed.Query().Get("state")
	require.NotEmpty(t, state)
	require.Equal(t, "urn:ietf:params:oauth:request_uri:abc", parsed.Query().Get("request_uri"))

	// The request object carries the OIDC parameters and the record
	// fields, expiring with the placement.
	require.Equal(t, "issue.TrainingPlacement", gw.parClaims["scope"])
	require.Equal(t, "code", gw.parClaims["response_type"])
	require.Equal(t, "S256", gw.parClaims["code_challenge_method"])
	require.NotEmpty(t, gw.parClaims["nonce"])
	require.NotEmpty(t, gw.parClaims["code_challenge"])
	require.Equal(t, "https://svc.example.com/api/issue/callback", gw.parClaims["redirect_uri"])
	require.Equal(t, "General Practice", gw.parClaims["specialty"])
	require.EqualValues(t, time.Date(2025, 7, 4, 23, 59, 59, 0, time.UTC).Unix(), gw.parClaims["exp"])

	verifier, err := cacheStore.Peek(ctx, cache.CodeVerifier, state)
	require.NoError(t, err)

	redirect := svc.Complete(ctx, "code-1", state, "", "")
	require.Equal(t, "https://app.example.com/credential-issued?code=code-1&state=client-xyz", redirect)
	require.Equal(t, string(verifier), gw.gotVerifier)

	md, err := store.GetCredential(ctx, "cred-1")
	require.NoError(t, err)
	require.Equal(t, metadata.TypePlacement, md.CredentialType)
	require.Equal(t, "tis-40", md.TisID)
	require.Equal(t, "trainee-7", md.TraineeID)
	require.True(t, md.IssuedAt.Equal(issuedAt))
	require.Equal(t, time.Date(2025, 7, 4, 23, 59, 59, 0, time.UTC), md.ExpiresAt)

	fp, err := store.GetFingerprint(ctx, "tis-40", metadata.TypePlacement)
	require.NoError(t, err)
	require.True(t, fp.LastModifiedAt.Equal(issuedAt))
	require.Empty(t, fp.LastModifiedHash)
}

func TestStartRejectsBearerWithoutTraineeID(t *testing.T) {
	decoder := &fakeDecoder{claims: map[string]*jwt.Claims{"bearer-1": {}}}
	svc, _ := newTestService(t, metadata.NewMemoryStore(), decoder, &fakeGateway{})

	_, err := svc.Start(t.Context(), "bearer-1", testPlacement(), "")
	require.True(t, trace.IsAccessDenied(err))
}

func TestCompleteUnknownState(t *testing.T) {
	svc, _ := newTestService(t, metadata.NewMemoryStore(), &fakeDecoder{}, &fakeGateway{})

	redirect := svc.Complete(t.Context(), "code-1", "unknown-state", "", "")
	require.Equal(t, "https://app.example.com/credential-issued?error=issuance_failed", redirect)
}

func TestCompleteIsSingleUse(t *testing.T) {
	ctx := t.Context()
	store := metadata.NewMemoryStore()
	decoder := &fakeDecoder{claims: map[string]*jwt.Claims{
		"bearer-1":  {TisID: "trainee-7"},
		"idtoken-1": {SerialNumber: "cred-1"},
	}}
	gw := &fakeGateway{token: "idtoken-1"}
	svc, _ := newTestService(t, store, decoder, gw)

	uri, err := svc.Start(ctx, "bearer-1", testPlacement(), "")
	require.NoError(t, err)
	parsed, err := url.Parse(uri)
	require.NoError(t, err)
	state := parsed.Query().Get("state")

	first := svc.Complete(ctx, "code-1", state, "", "")
	require.Contains(t, first, "code=code-1")

	// The payload was evicted on the first callback.
	second := svc.Complete(ctx, "code-1", state, "", "")
	require.Contains(t, second, "error=issuance_failed")
}

func TestCompleteTokenExchangeFailure(t *testing.T) {
	ctx := t.Context()
	decoder := &fakeDecoder{claims: map[string]*jwt.Claims{
		"bearer-1": {TisID: "trainee-7"},
	}}
	gw := &fakeGateway{exchangeErr: trace.ConnectionProblem(nil, "gateway down")}
	svc, _ := newTestService(t, metadata.NewMemoryStore(), decoder, gw)

	uri, err := svc.Start(ctx, "bearer-1", testPlacement(), "client-xyz")
	require.NoError(t, err)
	parsed, err := url.Parse(uri)
	require.NoError(t, err)

	redirect := svc.Complete(ctx, "code-1", parsed.Query().Get("state"), "", "")
	require.Equal(t, "https://app.example.com/credential-issued?error=invalid_token&state=client-xyz", redirect)
}

func TestCompleteGatewayErrorLeg(t *testing.T) {
	ctx := t.Context()
	decoder := &fakeDecoder{claims: map[string]*jwt.Claims{
		"bearer-1": {TisID: "trainee-7"},
	}}
	svc, _ := newTestService(t, metadata.NewMemoryStore(), decoder, &fakeGateway{})

	uri, err := svc.Start(ctx, "bearer-1", testPlacement(), "client-xyz")
	require.NoError(t, err)
	parsed, err := url.Parse(uri)
	require.NoError(t, err)

	redirect := svc.Complete(ctx, "", parsed.Query().Get("state"), "access_denied", "user cancelled")
	require.Equal(t, "https://app.example.com/credential-issued?error=user+cancelled&state=client-xyz", redirect)
}
