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

// Package config loads the broker configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/gravitational/trace"

	"github.com/tisrecords/credbroker/lib/defaults"
)

// DB is the metadata store connection configuration.
type DB struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string
}

// Redis is the cache connection configuration.
type Redis struct {
	Host      string
	Port      int
	TLS       bool
	Username  string
	Password  string
	KeyPrefix string
}

// Gateway is the credential gateway configuration.
type Gateway struct {
	Host         string
	ClientID     string
	ClientSecret string
	// SigningKeyPEM signs pushed authorization request objects.
	SigningKeyPEM []byte
	// IssuingRedirectURI is the issuance callback registered with the
	// gateway.
	IssuingRedirectURI string
	// VerificationRedirectURI is the verification callback registered
	// with the gateway.
	VerificationRedirectURI string
}

// Queues holds the record event queue URLs; empty URLs disable the
// corresponding consumer.
type Queues struct {
	DeletePlacement           string
	UpdatePlacement           string
	DeleteProgrammeMembership string
	UpdateProgrammeMembership string
}

// Config is the full broker configuration.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string
	// DB configures the metadata store.
	DB DB
	// Redis configures the cache.
	Redis Redis
	// Gateway configures the credential gateway client.
	Gateway Gateway
	// SignatureKey is the shared secret inbound payloads are signed with.
	SignatureKey []byte
	// IssuedRedirectURI is where the user agent lands once issuance
	// finishes.
	IssuedRedirectURI string
	// RevocationTopicARN is the SNS topic revocation events go to; empty
	// disables publishing.
	RevocationTopicARN string
	// Queues are the record event queues; all empty disables consuming.
	Queues Queues
	// VerificationRequestTTL bounds a started verification.
	VerificationRequestTTL time.Duration
	// VerifiedSessionTTL bounds a verified session.
	VerifiedSessionTTL time.Duration
	// CredentialMetadataTTL bounds a started issuance.
	CredentialMetadataTTL time.Duration
}

// FromEnv reads the configuration from the environment.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr: envOr("LISTEN_ADDR", defaults.ListenAddr),
		DB: DB{
			Host:     os.Getenv("DB_HOST"),
			Username: os.Getenv("DB_USER"),
			Password: os.Getenv("DB_PASSWORD"),
			Database: os.Getenv("DB_NAME"),
		},
		Redis: Redis{
			Host:      os.Getenv("REDIS_HOST"),
			Username:  os.Getenv("REDIS_USER"),
			Password:  os.Getenv("REDIS_PASSWORD"),
			KeyPrefix: os.Getenv("REDIS_KEY_PREFIX"),
		},
		Gateway: Gateway{
			Host:                    os.Getenv("GATEWAY_HOST"),
			ClientID:                os.Getenv("GATEWAY_CLIENT_ID"),
			ClientSecret:            os.Getenv("GATEWAY_CLIENT_SECRET"),
			SigningKeyPEM:           []byte(os.Getenv("GATEWAY_TOKEN_SIGNING_KEY")),
			IssuingRedirectURI:      os.Getenv("GATEWAY_ISSUING_REDIRECT_URI"),
			VerificationRedirectURI: os.Getenv("GATEWAY_VERIFICATION_REDIRECT_URI"),
		},
		SignatureKey:       []byte(os.Getenv("SIGNATURE_SECRET_KEY")),
		IssuedRedirectURI:  os.Getenv("ISSUED_REDIRECT_URI"),
		RevocationTopicARN: os.Getenv("REVOCATION_TOPIC_ARN"),
		Queues: Queues{
			DeletePlacement:           os.Getenv("DELETE_PLACEMENT_QUEUE_URL"),
			UpdatePlacement:           os.Getenv("UPDATE_PLACEMENT_QUEUE_URL"),
			DeleteProgrammeMembership: os.Getenv("DELETE_PROGRAMME_MEMBERSHIP_QUEUE_URL"),
			UpdateProgrammeMembership: os.Getenv("UPDATE_PROGRAMME_MEMBERSHIP_QUEUE_URL"),
		},
	}

	var err error
	if cfg.DB.Port, err = envPort("DB_PORT"); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.Redis.Port, err = envPort("REDIS_PORT"); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.Redis.TLS, err = envBool("REDIS_SSL"); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.VerificationRequestTTL, err = envSeconds("VERIFICATION_REQUEST_TTL", defaults.VerificationRequestTTL); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.VerifiedSessionTTL, err = envSeconds("VERIFIED_SESSION_TTL", defaults.VerifiedSessionTTL); err != nil {
		return nil, trace.Wrap(err)
	}
	if cfg.CredentialMetadataTTL, err = envSeconds("CREDENTIAL_METADATA_TTL", defaults.CredentialMetadataTTL); err != nil {
		return nil, trace.Wrap(err)
	}

	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return cfg, nil
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.ListenAddr
	}
	if c.DB.Host == "" {
		return trace.BadParameter("missing configuration DB_HOST")
	}
	if c.Redis.Host == "" {
		return trace.BadParameter("missing configuration REDIS_HOST")
	}
	if c.Gateway.Host == "" {
		return trace.BadParameter("missing configuration GATEWAY_HOST")
	}
	if c.Gateway.ClientID == "" {
		return trace.BadParameter("missing configuration GATEWAY_CLIENT_ID")
	}
	if c.Gateway.ClientSecret == "" {
		return trace.BadParameter("missing configuration GATEWAY_CLIENT_SECRET")
	}
	if len(c.Gateway.SigningKeyPEM) == 0 {
		return trace.BadParameter("missing configuration GATEWAY_TOKEN_SIGNING_KEY")
	}
	if c.Gateway.IssuingRedirectURI == "" {
		return trace.BadParameter("missing configuration GATEWAY_ISSUING_REDIRECT_URI")
	}
	if c.Gateway.VerificationRedirectURI == "" {
		return trace.BadParameter("missing configuration GATEWAY_VERIFICATION_REDIRECT_URI")
	}
	if len(c.SignatureKey) == 0 {
		return trace.BadParameter("missing configuration SIGNATURE_SECRET_KEY")
	}
	if c.IssuedRedirectURI == "" {
		return trace.BadParameter("missing configuration ISSUED_REDIRECT_URI")
	}
	if c.VerificationRequestTTL == 0 {
		c.VerificationRequestTTL = defaults.VerificationRequestTTL
	}
	if c.VerifiedSessionTTL == 0 {
		c.VerifiedSessionTTL = defaults.VerifiedSessionTTL
	}
	if c.CredentialMetadataTTL == 0 {
		c.CredentialMetadataTTL = defaults.CredentialMetadataTTL
	}
	return nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envPort(key string) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return 0, trace.BadParameter("missing configuration %v", key)
	}
	port, err := strconv.Atoi(value)
	if err != nil || port <= 0 || port > 65535 {
		return 0, trace.BadParameter("configuration %v is not a port: %q", key, value)
	}
	return port, nil
}

func envBool(key string) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, trace.BadParameter("configuration %v is not a boolean: %q", key, value)
	}
	return b, nil
}

func envSeconds(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds <= 0 {
		return 0, trace.BadParameter("configuration %v is not a TTL in seconds: %q", key, value)
	}
	return time.Duration(seconds) * time.Second, nil
}
