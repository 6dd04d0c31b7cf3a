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

// Package defaults holds service-wide default values.
package defaults

import (
	"net"
	"net/http"
	"time"
)

const (
	// VerificationRequestTTL bounds the lifetime of artefacts minted when
	// an identity verification starts: identity data, code verifier,
	// client state and the unverified session id.
	VerificationRequestTTL = 300 * time.Second

	// VerifiedSessionTTL bounds how long a session stays identity-verified
	// after a successful verification callback.
	VerifiedSessionTTL = 600 * time.Second

	// CredentialMetadataTTL bounds the lifetime of artefacts minted when
	// an issuance flow starts.
	CredentialMetadataTTL = 600 * time.Second

	// ConnectTimeout is the dial deadline for outbound calls to the
	// gateway, the cache and the metadata store.
	ConnectTimeout = 5 * time.Second

	// ReadTimeout is the response deadline for outbound calls.
	ReadTimeout = 10 * time.Second

	// HTTPIdleTimeout is the keep-alive idle timeout of the inbound
	// HTTP server.
	HTTPIdleTimeout = 60 * time.Second

	// ListenAddr is the default listen address of the HTTP surface.
	ListenAddr = ":8080"

	// RevokeRetryAttempts is how many times a failed gateway revocation
	// call is retried before the credential is left revocation-pending.
	RevokeRetryAttempts = 3

	// RevokeRetryBase is the first revocation retry delay. Subsequent
	// delays grow by RevokeRetryMultiplier.
	RevokeRetryBase = 1 * time.Second

	// RevokeRetryMultiplier is the exponential growth factor of the
	// revocation retry schedule (1s, 3s, 9s).
	RevokeRetryMultiplier = 3

	// SQSWaitTime is the long-poll interval of the queue consumer.
	SQSWaitTime = 10 * time.Second

	// SQSMaxMessages is the receive batch size of the queue consumer.
	SQSMaxMessages = 10

	// JWKSKeyTTL bounds how long a gateway public key is memoised before
	// it is refetched, independent of manual flushes.
	JWKSKeyTTL = time.Hour
)

// Transport returns an HTTP transport with the service dial and response
// deadlines applied.
func Transport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: ConnectTimeout,
		}).DialContext,
		ResponseHeaderTimeout: ReadTimeout,
		TLSHandshakeTimeout:   ConnectTimeout,
		IdleConnTimeout:       HTTPIdleTimeout,
	}
}

// HTTPClient returns an HTTP client backed by Transport with an overall
// request deadline.
func HTTPClient() *http.Client {
	return &http.Client{
		Transport: Transport(),
		Timeout:   ConnectTimeout + ReadTimeout,
	}
}
