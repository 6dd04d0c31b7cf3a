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

// Package metadata is the durable ledger of issued credentials and of
// per-record modification fingerprints.
package metadata

import (
	"context"
	"time"
)

// CredentialType identifies the kind of training record a credential
// attests.
type CredentialType string

const (
	// TypePlacement is a training placement credential.
	TypePlacement CredentialType = "placement"
	// TypeProgrammeMembership is a training programme membership
	// credential.
	TypeProgrammeMembership CredentialType = "programme-membership"
)

// Display returns the human readable name used in published events.
func (t CredentialType) Display() string {
	switch t {
	case TypePlacement:
		return "Training Placement"
	case TypeProgrammeMembership:
		return "Training Programme Membership"
	default:
		return string(t)
	}
}

// Valid reports whether t names a known credential type.
func (t CredentialType) Valid() bool {
	return t == TypePlacement || t == TypeProgrammeMembership
}

// CredentialMetadata is the durable record of one issued credential.
type CredentialMetadata struct {
	// CredentialID is the gateway-assigned credential identifier
	// (its SerialNumber claim). Unique.
	CredentialID string `bson:"credentialId" json:"credentialId"`
	// CredentialType is the kind of record the credential attests.
	CredentialType CredentialType `bson:"credentialType" json:"credentialType"`
	// TisID is the training-record identifier the credential is tied to.
	TisID string `bson:"tisId" json:"tisId"`
	// TraineeID is the holder the credential was issued to.
	TraineeID string `bson:"traineeId" json:"traineeId"`
	// IssuedAt is the token iat of the issuance callback.
	IssuedAt time.Time `bson:"issuedAt" json:"issuedAt"`
	// ExpiresAt is when the credential lapses on its own.
	ExpiresAt time.Time `bson:"expiresAt" json:"expiresAt"`
	// RevokedAt is set once the credential has been revoked.
	RevokedAt *time.Time `bson:"revokedAt,omitempty" json:"revokedAt,omitempty"`
	// RevocationPending marks a credential whose gateway revocation
	// calls were exhausted; the revocation will be retried.
	RevocationPending bool `bson:"revocationPending,omitempty" json:"revocationPending,omitempty"`
}

// RecordFingerprint tracks the last observed modification of a training
// record, per credential type.
type RecordFingerprint struct {
	// TisID is the training-record identifier.
	TisID string `bson:"tisId" json:"tisId"`
	// CredentialType scopes the fingerprint to one credential kind.
	CredentialType CredentialType `bson:"credentialType" json:"credentialType"`
	// LastModifiedHash is the content hash of the last update event,
	// empty for deletes and freshly issued records.
	LastModifiedHash string `bson:"lastModifiedHash,omitempty" json:"lastModifiedHash,omitempty"`
	// LastModifiedAt is when the modification was recorded.
	LastModifiedAt time.Time `bson:"lastModifiedAt" json:"lastModifiedAt"`
}

// Store is the durable ledger shared by issuance, revocation and the
// signed-data filter.
type Store interface {
	// PutCredential inserts or replaces the metadata of an issued
	// credential, keyed by CredentialID.
	PutCredential(ctx context.Context, md CredentialMetadata) error

	// GetCredential returns the metadata of one credential, or
	// trace.NotFound.
	GetCredential(ctx context.Context, credentialID string) (*CredentialMetadata, error)

	// LiveCredentials returns the non-revoked credentials tied to
	// (tisID, credentialType).
	LiveCredentials(ctx context.Context, tisID string, credentialType CredentialType) ([]CredentialMetadata, error)

	// MarkRevoked sets RevokedAt on the credential iff it is not already
	// revoked (compare-and-set on RevokedAt == nil). It reports whether
	// this call performed the transition.
	MarkRevoked(ctx context.Context, credentialID string, at time.Time) (bool, error)

	// SetRevocationPending flags or clears the revocation-pending marker.
	SetRevocationPending(ctx context.Context, credentialID string, pending bool) error

	// PutFingerprint inserts or replaces the fingerprint keyed by
	// (TisID, CredentialType).
	PutFingerprint(ctx context.Context, fp RecordFingerprint) error

	// GetFingerprint returns the fingerprint for (tisID, credentialType),
	// or trace.NotFound if the record was never modified.
	GetFingerprint(ctx context.Context, tisID string, credentialType CredentialType) (*RecordFingerprint, error)

	// Close releases the store and all associated resources.
	Close(ctx context.Context) error
}
