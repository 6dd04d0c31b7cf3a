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

// Package jwt validates and parses tokens issued by the credential
// gateway against its published JWKS.
package jwt

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/tisrecords/credbroker"
	"github.com/tisrecords/credbroker/lib/defaults"
)

// allowedAlgorithms are the signature algorithms accepted on gateway
// tokens. Symmetric families are rejected outright.
var allowedAlgorithms = []jose.SignatureAlgorithm{
	jose.RS256, jose.RS384, jose.RS512,
	jose.ES256, jose.ES384, jose.ES512,
}

// IdentityClaims carries the identity attested by a presented identity
// credential.
type IdentityClaims struct {
	// UniqueIdentifier is the stable identifier minted by the identity
	// provider, present only on successfully attested identities.
	UniqueIdentifier string `json:"UniqueIdentifier"`
	// Forenames are the attested given names.
	Forenames string `json:"Forenames"`
	// Surname is the attested family name.
	Surname string `json:"Surname"`
	// DateOfBirth is the attested date of birth, ISO-8601 date.
	DateOfBirth string `json:"DateOfBirth"`
}

// Claims is the combined claim set of gateway and caller tokens. Fields
// irrelevant to a given token are simply left zero.
type Claims struct {
	jwt.Claims

	// Nonce ties a token back to the flow that requested it.
	Nonce string `json:"nonce"`
	// Scope is the space separated OIDC scope granted to the token.
	Scope string `json:"scope"`
	// OriginJTI identifies the caller's login session; it is stable
	// across token refreshes, unlike jti.
	OriginJTI string `json:"origin_jti"`
	// TisID is the trainee record identifier claim set on caller bearers.
	TisID string `json:"custom:tisId"`
	// SerialNumber is the identifier of a minted credential, set on
	// issuance tokens.
	SerialNumber string `json:"SerialNumber"`
	// Identity carries attested identity data on verification tokens.
	Identity *IdentityClaims `json:"Identity"`
}

// DecoderConfig configures a Decoder.
type DecoderConfig struct {
	// JWKSURL is the gateway's JWKS endpoint (required).
	JWKSURL string
	// Client is the HTTP client used to fetch the JWKS.
	Client *http.Client
	// Clock is used to validate token expiry.
	Clock clockwork.Clock
	// KeyTTL bounds how long fetched keys are memoised.
	KeyTTL time.Duration
	// Logger emits log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *DecoderConfig) CheckAndSetDefaults() error {
	if c.JWKSURL == "" {
		return trace.BadParameter("missing parameter JWKSURL")
	}
	if c.Client == nil {
		c.Client = defaults.HTTPClient()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.KeyTTL == 0 {
		c.KeyTTL = defaults.JWKSKeyTTL
	}
	if c.Logger == nil {
		c.Logger = slog.With(credbroker.ComponentKey, credbroker.ComponentJWT)
	}
	return nil
}

// Decoder verifies gateway-issued JWTs and returns their claims. Public
// keys are memoised by kid; a cache miss triggers a synchronous JWKS
// fetch. All failure modes surface as trace.AccessDenied so callers can
// treat any of them as an invalid token.
type Decoder struct {
	cfg  DecoderConfig
	keys *KeyCache
}

// NewDecoder returns a decoder backed by the gateway JWKS endpoint.
func NewDecoder(cfg DecoderConfig) (*Decoder, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Decoder{
		cfg: cfg,
		keys: NewKeyCache(KeyCacheConfig{
			JWKSURL: cfg.JWKSURL,
			Client:  cfg.Client,
			Clock:   cfg.Clock,
			TTL:     cfg.KeyTTL,
			Logger:  cfg.Logger,
		}),
	}, nil
}

// Decode verifies token and returns its claims.
func (d *Decoder) Decode(ctx context.Context, token string) (*Claims, error) {
	tok, err := jwt.ParseSigned(token, allowedAlgorithms)
	if err != nil {
		return nil, trace.AccessDenied("invalid token: %v", err)
	}
	if len(tok.Headers) != 1 {
		return nil, trace.AccessDenied("invalid token: expected a single signature")
	}
	kid := tok.Headers[0].KeyID
	if kid == "" {
		return nil, trace.AccessDenied("invalid token: missing kid header")
	}

	key, err := d.keys.Get(ctx, kid)
	if err != nil {
		return nil, trace.AccessDenied("invalid token: %v", err)
	}

	var claims Claims
	if err := tok.Claims(key, &claims); err != nil {
		return nil, trace.AccessDenied("invalid token: %v", err)
	}
	if err := claims.ValidateWithLeeway(jwt.Expected{Time: d.cfg.Clock.Now()}, 0); err != nil {
		return nil, trace.AccessDenied("invalid token: %v", err)
	}
	return &claims, nil
}

// FlushKeys drops all memoised public keys, forcing a JWKS refetch on
// the next decode. Wired to SIGHUP to allow key rotation.
func (d *Decoder) FlushKeys() {
	d.keys.Flush()
}
