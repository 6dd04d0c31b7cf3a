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

// Package gateway is the outbound client for the external credential
// gateway: pushed authorization requests, the token endpoint, credential
// revocation and authorize-URI construction.
package gateway

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/tisrecords/credbroker"
	"github.com/tisrecords/credbroker/lib/defaults"
)

const (
	parPath       = "/oidc/par"
	authorizePath = "/oidc/authorize"
	tokenPath     = "/oidc/token"
	jwksPath      = "/.well-known/openid-configuration/jwks"
	revokePath    = "/Revocation/revokecredential"

	// maxResponseSize caps how much of a gateway response is read.
	maxResponseSize = 1 << 20
)

// Config holds the gateway connection settings.
type Config struct {
	// Host is the gateway base URL, e.g. https://gateway.example.com
	// (required).
	Host string
	// ClientID authenticates this service to the gateway (required).
	ClientID string
	// ClientSecret authenticates this service to the gateway (required).
	ClientSecret string
	// SigningKeyPEM is the PEM encoded RSA private key used to sign
	// pushed authorization requests (required).
	SigningKeyPEM []byte
	// Client is the HTTP client used for gateway calls.
	Client *http.Client
	// Clock stamps signed requests.
	Clock clockwork.Clock
	// Logger emits log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Host == "" {
		return trace.BadParameter("missing parameter Host")
	}
	if c.ClientID == "" {
		return trace.BadParameter("missing parameter ClientID")
	}
	if c.ClientSecret == "" {
		return trace.BadParameter("missing parameter ClientSecret")
	}
	if len(c.SigningKeyPEM) == 0 {
		return trace.BadParameter("missing parameter SigningKeyPEM")
	}
	if c.Client == nil {
		c.Client = defaults.HTTPClient()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(credbroker.ComponentKey, credbroker.ComponentGateway)
	}
	return nil
}

// Client talks to the credential gateway.
type Client struct {
	cfg    Config
	signer jose.Signer
}

// New returns a gateway client.
func New(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	block, _ := pem.Decode(cfg.SigningKeyPEM)
	if block == nil {
		return nil, trace.BadParameter("signing key is not valid PEM")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		// Fall back to the legacy RSA encoding.
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, trace.BadParameter("signing key could not be parsed: %v", err)
		}
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &Client{cfg: cfg, signer: signer}, nil
}

// JWKSURL returns the gateway's JWKS endpoint.
func (c *Client) JWKSURL() string {
	return c.cfg.Host + jwksPath
}

// VerificationAuthorizeURI builds the authorize URI the user is sent to
// when an identity verification starts.
func (c *Client) VerificationAuthorizeURI(nonce, state, codeChallenge, redirectURI string) string {
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", "code")
	q.Set("scope", "openid Identity")
	q.Set("nonce", nonce)
	q.Set("state", state)
	q.Set("code_challenge", codeChallenge)
	q.Set("code_challenge_method", "S256")
	return c.cfg.Host + authorizePath + "?" + q.Encode()
}

// IssuanceAuthorizeURI builds the authorize URI the user is sent to
// after a successful pushed authorization request.
func (c *Client) IssuanceAuthorizeURI(requestURI, state string) string {
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("request_uri", requestURI)
	q.Set("state", state)
	return c.cfg.Host + authorizePath + "?" + q.Encode()
}

// parResponse is the gateway's answer to a pushed authorization request.
type parResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int    `json:"expires_in"`
}

// PushAuthorization signs claims into a request object and submits it to
// the gateway PAR endpoint, returning the request_uri to authorize with.
func (c *Client) PushAuthorization(ctx context.Context, claims any) (string, error) {
	now := c.cfg.Clock.Now()
	request, err := jwt.Signed(c.signer).
		Claims(jwt.Claims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		}).
		Claims(claims).
		Serialize()
	if err != nil {
		return "", trace.Wrap(err)
	}

	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("request", request)

	body, err := c.postForm(ctx, parPath, form)
	if err != nil {
		return "", trace.Wrap(err)
	}

	var resp parResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", trace.BadParameter("parsing PAR response: %v", err)
	}
	if resp.RequestURI == "" {
		return "", trace.BadParameter("PAR response is missing request_uri")
	}
	return resp.RequestURI, nil
}

// tokenResponse is the gateway's answer to a code exchange.
type tokenResponse struct {
	IDToken     string `json:"id_token"`
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// ExchangeCode swaps an authorization code plus its PKCE verifier for
// the gateway-issued token.
func (c *Client) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("code", code)
	form.Set("code_verifier", codeVerifier)
	form.Set("redirect_uri", redirectURI)

	body, err := c.postForm(ctx, tokenPath, form)
	if err != nil {
		return "", trace.Wrap(err)
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", trace.BadParameter("parsing token response: %v", err)
	}
	token := resp.IDToken
	if token == "" {
		token = resp.AccessToken
	}
	if token == "" {
		return "", trace.BadParameter("token response carries no token")
	}
	return token, nil
}

// Revoke asks the gateway to revoke a minted credential.
func (c *Client) Revoke(ctx context.Context, credentialID string) error {
	form := url.Values{}
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	form.Set("credentialId", credentialID)

	_, err := c.postForm(ctx, revokePath, form)
	return trace.Wrap(err)
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.Host+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "calling gateway %v", path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, trace.ConnectionProblem(err, "reading gateway response")
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode >= 500:
		return nil, trace.ConnectionProblem(nil, "gateway %v returned status %v", path, resp.StatusCode)
	default:
		return nil, trace.AccessDenied("gateway %v rejected the request: status %v", path, resp.StatusCode)
	}
}
