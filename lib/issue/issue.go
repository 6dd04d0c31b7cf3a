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

// Package issue drives credential issuance: it pushes a signed
// authorization request for the submitted record to the gateway, and on
// the callback persists the minted credential's metadata for later
// revocation.
package issue

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
	"github.com/tisrecords/credbroker/lib/metadata"
	"github.com/tisrecords/credbroker/lib/utils"
)

const (
	// Failure reasons carried on the error redirect.
	reasonNoCodeVerifier = "no_code_verifier"
	reasonInvalidToken   = "invalid_token"
	reasonIssuanceFailed = "issuance_failed"
)

// tokenDecoder is the subset of the JWT decoder the service needs.
type tokenDecoder interface {
	Decode(ctx context.Context, token string) (*jwt.Claims, error)
}

// gatewayClient is the subset of the gateway client the service needs.
type gatewayClient interface {
	PushAuthorization(ctx context.Context, claims any) (string, error)
	IssuanceAuthorizeURI(requestURI, state string) string
	ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (string, error)
}

// storedPayload is the cached envelope that carries a credential
// payload between the start and callback legs.
type storedPayload struct {
	Type    metadata.CredentialType `json:"credentialType"`
	Payload json.RawMessage         `json:"payload"`
}

// Config configures an issuance Service.
type Config struct {
	// Cache carries flow state between request legs (required).
	Cache cache.Store
	// Decoder validates gateway and caller tokens (required).
	Decoder tokenDecoder
	// Gateway talks to the credential gateway (required).
	Gateway gatewayClient
	// Store is the credential metadata ledger (required).
	Store metadata.Store
	// CallbackURI is this service's issuance callback URL, as registered
	// with the gateway (required).
	CallbackURI string
	// RedirectURI is where the user agent is sent once issuance finishes
	// (required).
	RedirectURI string
	// PayloadTTL bounds how long a started issuance stays completable.
	PayloadTTL time.Duration
	// Clock stamps fingerprints and fallback issue times.
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
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.CallbackURI == "" {
		return trace.BadParameter("missing parameter CallbackURI")
	}
	if c.RedirectURI == "" {
		return trace.BadParameter("missing parameter RedirectURI")
	}
	if c.PayloadTTL == 0 {
		c.PayloadTTL = defaults.CredentialMetadataTTL
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(credbroker.ComponentKey, credbroker.ComponentIssue)
	}
	return nil
}

// Service drives credential issuance.
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

// Start begins an issuance: it binds the payload and the caller to a
// fresh state, pushes the signed authorization request to the gateway
// and returns the authorize URI to send the user to.
func (s *Service) Start(ctx context.Context, authToken string, credential Credential, clientState string) (string, error) {
	claims, err := s.Decoder.Decode(ctx, authToken)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if claims.TisID == "" {
		return "", trace.AccessDenied("bearer carries no trainee id")
	}

	expiresAt, err := credential.ExpiresAt()
	if err != nil {
		return "", trace.Wrap(err)
	}

	state := uuid.NewString()
	nonce := uuid.NewString()
	codeVerifier, codeChallenge, err := utils.NewPKCEVerifier()
	if err != nil {
		return "", trace.Wrap(err)
	}

	payloadJSON, err := json.Marshal(credential)
	if err != nil {
		return "", trace.Wrap(err)
	}
	envelope, err := json.Marshal(storedPayload{Type: credential.Type(), Payload: payloadJSON})
	if err != nil {
		return "", trace.Wrap(err)
	}

	if err := s.Cache.Put(ctx, cache.CredentialPayload, state, envelope, s.PayloadTTL); err != nil {
		return "", trace.Wrap(err)
	}
	if err := s.Cache.Put(ctx, cache.TraineeID, state, []byte(claims.TisID), s.PayloadTTL); err != nil {
		return "", trace.Wrap(err)
	}
	if err := s.Cache.Put(ctx, cache.CodeVerifier, state, []byte(codeVerifier), s.PayloadTTL); err != nil {
		return "", trace.Wrap(err)
	}
	if clientState != "" {
		if err := s.Cache.Put(ctx, cache.ClientState, state, []byte(clientState), s.PayloadTTL); err != nil {
			return "", trace.Wrap(err)
		}
	}

	parClaims, err := authorizationClaims(credential, nonce, codeChallenge, s.CallbackURI, expiresAt)
	if err != nil {
		return "", trace.Wrap(err)
	}
	requestURI, err := s.Gateway.PushAuthorization(ctx, parClaims)
	if err != nil {
		return "", trace.Wrap(err)
	}

	s.Logger.InfoContext(ctx, "Started credential issuance",
		"credential_type", credential.Type(), "tis_id", credential.TisID(), "state", state)
	return s.Gateway.IssuanceAuthorizeURI(requestURI, state), nil
}

// Complete finishes an issuance on the gateway callback: it exchanges
// the code, persists the credential metadata and returns the URI to
// redirect the user to. A gateway error leg is passed through as the
// error parameter.
func (s *Service) Complete(ctx context.Context, code, state, errorCode, errorDescription string) string {
	if errorCode != "" {
		reason := errorDescription
		if reason == "" {
			reason = errorCode
		}
		s.Logger.WarnContext(ctx, "Gateway declined issuance", "error", errorCode, "state", state)
		return s.redirect(ctx, state, url.Values{"error": {reason}})
	}

	envelope, err := s.Cache.TakeOnce(ctx, cache.CredentialPayload, state)
	if err != nil {
		s.Logger.WarnContext(ctx, "No credential payload for issuance callback", "state", state)
		return s.redirect(ctx, state, url.Values{"error": {reasonIssuanceFailed}})
	}
	var stored storedPayload
	if err := json.Unmarshal(envelope, &stored); err != nil {
		return s.redirect(ctx, state, url.Values{"error": {reasonIssuanceFailed}})
	}
	credential, err := ParseCredential(stored.Type, stored.Payload)
	if err != nil {
		return s.redirect(ctx, state, url.Values{"error": {reasonIssuanceFailed}})
	}

	traineeID, err := s.Cache.TakeOnce(ctx, cache.TraineeID, state)
	if err != nil {
		s.Logger.WarnContext(ctx, "No trainee id for issuance callback", "state", state)
		return s.redirect(ctx, state, url.Values{"error": {reasonIssuanceFailed}})
	}
	codeVerifier, err := s.Cache.TakeOnce(ctx, cache.CodeVerifier, state)
	if err != nil {
		s.Logger.WarnContext(ctx, "No code verifier for issuance callback", "state", state)
		return s.redirect(ctx, state, url.Values{"error": {reasonNoCodeVerifier}})
	}

	token, err := s.Gateway.ExchangeCode(ctx, code, string(codeVerifier), s.CallbackURI)
	if err != nil {
		s.Logger.WarnContext(ctx, "Issuance code exchange failed", "error", err)
		return s.redirect(ctx, state, url.Values{"error": {reasonInvalidToken}})
	}
	claims, err := s.Decoder.Decode(ctx, token)
	if err != nil {
		s.Logger.WarnContext(ctx, "Issuance token rejected", "error", err)
		return s.redirect(ctx, state, url.Values{"error": {reasonInvalidToken}})
	}
	if claims.SerialNumber == "" {
		s.Logger.WarnContext(ctx, "Issuance token carries no credential serial")
		return s.redirect(ctx, state, url.Values{"error": {reasonIssuanceFailed}})
	}

	issuedAt := s.Clock.Now().UTC()
	if claims.IssuedAt != nil {
		issuedAt = claims.IssuedAt.Time().UTC()
	}
	expiresAt, err := credential.ExpiresAt()
	if err != nil {
		return s.redirect(ctx, state, url.Values{"error": {reasonIssuanceFailed}})
	}

	if err := s.Store.PutCredential(ctx, metadata.CredentialMetadata{
		CredentialID:   claims.SerialNumber,
		CredentialType: credential.Type(),
		TisID:          credential.TisID(),
		TraineeID:      string(traineeID),
		IssuedAt:       issuedAt,
		ExpiresAt:      expiresAt,
	}); err != nil {
		s.Logger.ErrorContext(ctx, "Persisting credential metadata failed", "error", err)
		return s.redirect(ctx, state, url.Values{"error": {reasonIssuanceFailed}})
	}
	// The record is freshly tied to a credential; later modifications
	// compare against this point.
	if err := s.Store.PutFingerprint(ctx, metadata.RecordFingerprint{
		TisID:          credential.TisID(),
		CredentialType: credential.Type(),
		LastModifiedAt: issuedAt,
	}); err != nil {
		s.Logger.ErrorContext(ctx, "Recording issuance fingerprint failed", "error", err)
	}

	s.Logger.InfoContext(ctx, "Credential issued",
		"credential_id", claims.SerialNumber,
		"credential_type", credential.Type(),
		"tis_id", credential.TisID(),
	)
	return s.redirect(ctx, state, url.Values{"code": {code}})
}

// redirect builds the final redirect, echoing the cached client state
// as the state parameter when one was stored.
func (s *Service) redirect(ctx context.Context, state string, params url.Values) string {
	if state != "" {
		if clientState, err := s.Cache.TakeOnce(ctx, cache.ClientState, state); err == nil {
			params.Set("state", string(clientState))
		}
	}
	separator := "?"
	if strings.Contains(s.RedirectURI, "?") {
		separator = "&"
	}
	return s.RedirectURI + separator + params.Encode()
}

// authorizationClaims builds the pushed authorization request claims:
// the OIDC parameters plus the credential's own fields, expiring with
// the record.
func authorizationClaims(credential Credential, nonce, codeChallenge, redirectURI string, expiresAt time.Time) (map[string]any, error) {
	raw, err := json.Marshal(credential)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	claims := map[string]any{}
	if err := json.Unmarshal(raw, &claims); err != nil {
		return nil, trace.Wrap(err)
	}
	claims["scope"] = credential.IssuanceScope()
	claims["nonce"] = nonce
	claims["response_type"] = "code"
	claims["code_challenge"] = codeChallenge
	claims["code_challenge_method"] = "S256"
	claims["redirect_uri"] = redirectURI
	claims["exp"] = expiresAt.Unix()
	return claims, nil
}
