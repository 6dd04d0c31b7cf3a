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

// Package revoke withdraws credentials when the training record behind
// them is deleted or modified: it records the modification fingerprint,
// sweeps the live credentials for the record, revokes each one at the
// gateway and announces the revocation downstream.
package revoke

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tisrecords/credbroker"
	"github.com/tisrecords/credbroker/lib/defaults"
	"github.com/tisrecords/credbroker/lib/metadata"
	"github.com/tisrecords/credbroker/lib/utils"
)

// RevocationEvent is the payload published when a credential is
// revoked. CredentialType carries the display name, not the wire name.
type RevocationEvent struct {
	CredentialID   string    `json:"credentialId"`
	CredentialType string    `json:"credentialType"`
	TraineeID      string    `json:"traineeId"`
	IssuedAt       time.Time `json:"issuedAt"`
	RevokedAt      time.Time `json:"revokedAt"`
}

// EventPublisher announces completed revocations.
type EventPublisher interface {
	PublishRevocation(ctx context.Context, event RevocationEvent) error
}

// gatewayRevoker is the subset of the gateway client the service needs.
type gatewayRevoker interface {
	Revoke(ctx context.Context, credentialID string) error
}

var (
	metricsOnce sync.Once

	revocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credbroker_revocations_total",
			Help: "Number of credentials revoked, by credential type.",
		},
		[]string{"credential_type"},
	)
	revocationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credbroker_revocation_failures_total",
			Help: "Number of credentials left revocation-pending after gateway retries were exhausted.",
		},
		[]string{"credential_type"},
	)
)

// Config configures a revocation Service.
type Config struct {
	// Gateway revokes credentials upstream (required).
	Gateway gatewayRevoker
	// Store is the credential metadata ledger (required).
	Store metadata.Store
	// Publisher announces completed revocations (required).
	Publisher EventPublisher
	// RetryBase is the delay before the second gateway attempt.
	RetryBase time.Duration
	// RetryMultiplier grows the delay between gateway attempts.
	RetryMultiplier int
	// RetryAttempts caps the gateway revocation retries per credential
	// after a failed first call.
	RetryAttempts int
	// Clock is used to stamp revocations and pace retries.
	Clock clockwork.Clock
	// Logger emits log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Gateway == nil {
		return trace.BadParameter("missing parameter Gateway")
	}
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Publisher == nil {
		return trace.BadParameter("missing parameter Publisher")
	}
	if c.RetryBase == 0 {
		c.RetryBase = defaults.RevokeRetryBase
	}
	if c.RetryMultiplier == 0 {
		c.RetryMultiplier = defaults.RevokeRetryMultiplier
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = defaults.RevokeRetryAttempts
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(credbroker.ComponentKey, credbroker.ComponentRevoke)
	}
	return nil
}

// Service drives credential revocation for modified or deleted records.
type Service struct {
	Config
}

// NewService returns a new instance of Service.
func NewService(cfg Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	metricsOnce.Do(func() {
		prometheus.MustRegister(revocationsTotal, revocationFailures)
	})
	return &Service{Config: cfg}, nil
}

// RevokeRecord processes one record change: it stores the modification
// fingerprint and revokes every live credential tied to the record.
// modifiedHash is the content hash of an update event, empty for
// deletes. Updates whose hash matches the stored fingerprint have been
// seen before and are skipped. A returned error means at least one
// credential could not be revoked and the change should be redelivered.
func (s *Service) RevokeRecord(ctx context.Context, tisID string, credentialType metadata.CredentialType, modifiedHash string) error {
	if tisID == "" {
		return trace.BadParameter("missing parameter tisID")
	}
	if !credentialType.Valid() {
		return trace.BadParameter("unknown credential type %q", credentialType)
	}

	if modifiedHash != "" {
		fp, err := s.Store.GetFingerprint(ctx, tisID, credentialType)
		if err != nil && !trace.IsNotFound(err) {
			return trace.Wrap(err)
		}
		if err == nil && fp.LastModifiedHash == modifiedHash {
			s.Logger.DebugContext(ctx, "Record modification already processed",
				"tis_id", tisID, "credential_type", credentialType)
			return nil
		}
	}

	if err := s.Store.PutFingerprint(ctx, metadata.RecordFingerprint{
		TisID:            tisID,
		CredentialType:   credentialType,
		LastModifiedHash: modifiedHash,
		LastModifiedAt:   s.Clock.Now().UTC(),
	}); err != nil {
		return trace.Wrap(err)
	}

	live, err := s.Store.LiveCredentials(ctx, tisID, credentialType)
	if err != nil {
		return trace.Wrap(err)
	}

	var errors []error
	for _, md := range live {
		if err := s.revokeCredential(ctx, md); err != nil {
			errors = append(errors, err)
		}
	}
	return trace.NewAggregate(errors...)
}

// LastModifiedDate returns when the record behind (tisID,
// credentialType) last changed, or trace.NotFound if it never has.
func (s *Service) LastModifiedDate(ctx context.Context, tisID string, credentialType metadata.CredentialType) (time.Time, error) {
	fp, err := s.Store.GetFingerprint(ctx, tisID, credentialType)
	if err != nil {
		return time.Time{}, trace.Wrap(err)
	}
	return fp.LastModifiedAt, nil
}

// revokeCredential revokes one credential at the gateway, retrying on
// failure, then records and publishes the revocation. Exhausted retries
// leave the credential flagged revocation-pending.
func (s *Service) revokeCredential(ctx context.Context, md metadata.CredentialMetadata) error {
	retry, err := utils.NewExponential(utils.ExponentialConfig{
		Base:        s.RetryBase,
		Multiplier:  s.RetryMultiplier,
		MaxAttempts: s.RetryAttempts,
		Clock:       s.Clock,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	if err := retry.For(ctx, func() error {
		return trace.Wrap(s.Gateway.Revoke(ctx, md.CredentialID))
	}); err != nil {
		revocationFailures.WithLabelValues(string(md.CredentialType)).Inc()
		s.Logger.WarnContext(ctx, "Gateway revocation failed, credential left pending",
			"credential_id", md.CredentialID, "error", err)
		if pendingErr := s.Store.SetRevocationPending(ctx, md.CredentialID, true); pendingErr != nil {
			return trace.NewAggregate(err, pendingErr)
		}
		return trace.Wrap(err)
	}

	revokedAt := s.Clock.Now().UTC()
	transitioned, err := s.Store.MarkRevoked(ctx, md.CredentialID, revokedAt)
	if err != nil {
		return trace.Wrap(err)
	}
	if !transitioned {
		// Another worker completed the revocation first.
		return nil
	}

	revocationsTotal.WithLabelValues(string(md.CredentialType)).Inc()
	s.Logger.InfoContext(ctx, "Credential revoked",
		"credential_id", md.CredentialID,
		"credential_type", md.CredentialType,
		"tis_id", md.TisID,
	)

	return trace.Wrap(s.Publisher.PublishRevocation(ctx, RevocationEvent{
		CredentialID:   md.CredentialID,
		CredentialType: md.CredentialType.Display(),
		TraineeID:      md.TraineeID,
		IssuedAt:       md.IssuedAt,
		RevokedAt:      revokedAt,
	}))
}
