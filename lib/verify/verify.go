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

// Package verify drives the identity verification flow: it starts the
// OIDC/PKCE leg with the credential gateway, checks the attested
// identity claims against the identity on record, and upgrades the
// caller's session to identity-verified on a match.
package verify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/tisrecords/credbroker"
	"github.com/tisrecords/credbroker/lib/cache"
	"github.com/tisrecords/credbroker/lib/defaults"
	"github.com/tisrecords/credbroker/lib/jwt"
	"github.com/tisrecords/credbroker/lib/utils"
)

const (
	// verifiedPath is where the user lands after a successful match.
	verifiedPath = "/credential-verified"
	// invalidPath is where the user lands when verification fails.
	invalidPath = "/invalid-credential"

	// Failure reasons carried on the invalid-credential redirect.
	reasonNoCodeVerifier     = "no_code_verifier"
	reasonUnsupportedScope   = "unsupported_scope"
	reasonVerificationFailed = "identity_verification_failed"
	reasonInvalidToken       = "invalid_token"
)

// tokenDecoder is the subset of the JWT decoder the service needs.
type tokenDecoder interface {
	Decode(ctx context.Context, token string) (*jwt.Claims, error)
}

// gatewayClient is the subset of the gateway client the service needs.
type gatewayClient interface {
	VerificationAuthorizeURI(nonce, state, codeChallenge, redirectURI string) string
	ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (string, error)
}

// Config configures a verification Service.
type Config struct {
	// Cache carries flow state between request legs (required).
	Cache cache.Store
	// Decoder validates gateway and caller tokens (required).
	Decoder tokenDecoder
	// Gateway talks to the credential gateway (required).
	Gateway gatewayClient
	// RedirectURI is this service's verification callback URL, as
	// registered with the gateway (required).
	RedirectURI string
	// RequestTTL bounds how long a started verification stays completable.
	RequestTTL time.Duration
	// SessionTTL bounds how long a verified session is honoured.
	SessionTTL time.Duration
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
	// Logger emits log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Cache == nil {
		return trace.BadParameter("missing parameter Cache")
	}
	if c.Decoder == nil {
		return trace.BadParameter("missing parameter Decoder")
	}
	if c.Gateway == nil {
		return trace.BadParameter("missing parameter Gateway")
	}
	if c.RedirectURI == "" {
		return trace.BadParameter("missing parameter RedirectURI")
	}
	if c.RequestTTL == 0 {
		c.RequestTTL = defaults.VerificationRequestTTL
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = defaults.VerifiedSessionTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(credbroker.ComponentKey, credbroker.ComponentVerify)
	}
	return nil
}

// Service drives identity verification.
type Service struct {
	Config
}

// NewService returns a new instance of Service.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Service{Config: cfg}, nil
}

// Start begins a verification: it binds the identity on record and the
// caller's session to a fresh nonce, prepares the PKCE exchange and
// returns the gateway authorize URI to send the user to.
func (s *Service) Start(ctx context.Context, authToken string, identity Identity, clientState string) (string, error) {
	claims, err := s.Decoder.Decode(ctx, authToken)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if claims.OriginJTI == "" {
		return "", trace.AccessDenied("bearer carries no origin_jti")
	}

	nonce := uuid.NewString()
	state := uuid.NewString()
	codeVerifier, codeChallenge, err := utils.NewPKCEVerifier()
	if err != nil {
		return "", trace.Wrap(err)
	}

	identityJSON, err := json.Marshal(identity)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if err := s.Cache.Put(ctx, cache.IdentityData, nonce, identityJSON, s.RequestTTL); err != nil {
		return "", trace.Wrap(err)
	}
	if err := s.Cache.Put(ctx, cache.UnverifiedSession, nonce, []byte(claims.OriginJTI), s.RequestTTL); err != nil {
		return "", trace.Wrap(err)
	}
	if err := s.Cache.Put(ctx, cache.CodeVerifier, state, []byte(codeVerifier), s.RequestTTL); err != nil {
		return "", trace.Wrap(err)
	}
	if clientState != "" {
		if err := s.Cache.Put(ctx, cache.ClientState, state, []byte(clientState), s.RequestTTL); err != nil {
			return "", trace.Wrap(err)
		}
	}

	s.Logger.InfoContext(ctx, "Started identity verification", "nonce", nonce, "state", state)
	return s.Gateway.VerificationAuthorizeURI(nonce, state, codeChallenge, s.RedirectURI), nil
}

// Complete finishes a verification on the gateway callback and returns
// the URI to redirect the user to. Every outcome is a redirect; failure
// detail travels in the reason query parameter.
func (s *Service) Complete(ctx context.Context, code, state, errorCode, errorDescription string) string {
	if errorCode != "" {
		reason := errorDescription
		if reason == "" {
			reason = errorCode
		}
		s.Logger.InfoContext(ctx, "Verification rejected by gateway",
			"error", errorCode, "description", errorDescription)
		return s.invalidURI(ctx, reason, state)
	}

	codeVerifier, err := s.Cache.TakeOnce(ctx, cache.CodeVerifier, state)
	if err != nil {
		s.Logger.WarnContext(ctx, "No code verifier for verification callback", "state", state)
		return s.invalidURI(ctx, reasonNoCodeVerifier, state)
	}

	token, err := s.Gateway.ExchangeCode(ctx, code, string(codeVerifier), s.RedirectURI)
	if err != nil {
		s.Logger.WarnContext(ctx, "Verification code exchange failed", "error", err)
		return s.invalidURI(ctx, reasonInvalidToken, state)
	}
	claims, err := s.Decoder.Decode(ctx, token)
	if err != nil {
		s.Logger.WarnContext(ctx, "Verification token rejected", "error", err)
		return s.invalidURI(ctx, reasonInvalidToken, state)
	}

	if !strings.HasPrefix(claims.Scope, "openid ") || !strings.HasSuffix(claims.Scope, "Identity") {
		s.Logger.WarnContext(ctx, "Verification token carries unsupported scope", "scope", claims.Scope)
		return s.invalidURI(ctx, reasonUnsupportedScope, state)
	}

	identityJSON, err := s.Cache.TakeOnce(ctx, cache.IdentityData, claims.Nonce)
	if err != nil {
		s.Logger.WarnContext(ctx, "No identity on record for verification callback", "nonce", claims.Nonce)
		return s.invalidURI(ctx, reasonVerificationFailed, state)
	}
	var identity Identity
	if err := json.Unmarshal(identityJSON, &identity); err != nil {
		return s.invalidURI(ctx, reasonVerificationFailed, state)
	}

	if !Match(identity, claims.Identity) {
		s.Logger.InfoContext(ctx, "Identity claims did not match the record", "nonce", claims.Nonce)
		return s.invalidURI(ctx, reasonVerificationFailed, state)
	}

	// The session entry may have expired between legs; without it the
	// verification cannot be tied to a caller and fails closed.
	originJTI, err := s.Cache.TakeOnce(ctx, cache.UnverifiedSession, claims.Nonce)
	if err != nil {
		s.Logger.WarnContext(ctx, "Verification succeeded but the session expired", "nonce", claims.Nonce)
		return s.invalidURI(ctx, reasonVerificationFailed, state)
	}
	if err := s.Cache.Put(ctx, cache.VerifiedSession, string(originJTI),
		[]byte(claims.Identity.UniqueIdentifier), s.SessionTTL); err != nil {
		s.Logger.ErrorContext(ctx, "Recording verified session failed", "error", err)
		return s.invalidURI(ctx, reasonVerificationFailed, state)
	}

	s.Logger.InfoContext(ctx, "Identity verified", "nonce", claims.Nonce)
	return appendClientState(verifiedPath, s.takeClientState(ctx, state))
}

// HasVerifiedSession reports whether the bearer's session has been
// identity-verified and is still within its TTL.
func (s *Service) HasVerifiedSession(ctx context.Context, authToken string) (bool, error) {
	claims, err := s.Decoder.Decode(ctx, authToken)
	if err != nil {
		return false, trace.Wrap(err)
	}
	if claims.OriginJTI == "" {
		return false, nil
	}
	if _, err := s.Cache.Peek(ctx, cache.VerifiedSession, claims.OriginJTI); err != nil {
		if trace.IsNotFound(err) {
			return false, nil
		}
		return false, trace.Wrap(err)
	}
	return true, nil
}

// invalidURI builds the failure redirect, echoing the client state when
// one was cached for the flow.
func (s *Service) invalidURI(ctx context.Context, reason, state string) string {
	q := url.Values{}
	q.Set("reason", reason)
	uri := invalidPath + "?" + q.Encode()
	return appendClientState(uri, s.takeClientState(ctx, state))
}

// takeClientState evicts and returns the cached client state, empty
// when none was stored.
func (s *Service) takeClientState(ctx context.Context, state string) string {
	if state == "" {
		return ""
	}
	clientState, err := s.Cache.TakeOnce(ctx, cache.ClientState, state)
	if err != nil {
		return ""
	}
	return string(clientState)
}

func appendClientState(uri, clientState string) string {
	if clientState == "" {
		return uri
	}
	separator := "?"
	if strings.Contains(uri, "?") {
		separator = "&"
	}
	return uri + separator + "state=" + url.QueryEscape(clientState)
}
