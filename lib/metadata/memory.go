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

package metadata

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
)

// MemoryStore is an in-process Store used in tests.
type MemoryStore struct {
	mu           sync.Mutex
	credentials  map[string]CredentialMetadata
	fingerprints map[fingerprintKey]RecordFingerprint
}

type fingerprintKey struct {
	tisID          string
	credentialType CredentialType
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		credentials:  make(map[string]CredentialMetadata),
		fingerprints: make(map[fingerprintKey]RecordFingerprint),
	}
}

// PutCredential inserts or replaces credential metadata.
func (s *MemoryStore) PutCredential(ctx context.Context, md CredentialMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[md.CredentialID] = md
	return nil
}

// GetCredential returns one credential's metadata.
func (s *MemoryStore) GetCredential(ctx context.Context, credentialID string) (*CredentialMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	md, ok := s.credentials[credentialID]
	if !ok {
		return nil, trace.NotFound("credential %v not found", credentialID)
	}
	return &md, nil
}

// LiveCredentials returns the non-revoked credentials for the record.
func (s *MemoryStore) LiveCredentials(ctx context.Context, tisID string, credentialType CredentialType) ([]CredentialMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CredentialMetadata
	for _, md := range s.credentials {
		if md.TisID == tisID && md.CredentialType == credentialType && md.RevokedAt == nil {
			out = append(out, md)
		}
	}
	return out, nil
}

// MarkRevoked compare-and-sets RevokedAt on a not-yet-revoked credential.
func (s *MemoryStore) MarkRevoked(ctx context.Context, credentialID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	md, ok := s.credentials[credentialID]
	if !ok || md.RevokedAt != nil {
		return false, nil
	}
	md.RevokedAt = &at
	md.RevocationPending = false
	s.credentials[credentialID] = md
	return true, nil
}

// SetRevocationPending flags or clears the revocation-pending marker.
func (s *MemoryStore) SetRevocationPending(ctx context.Context, credentialID string, pending bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	md, ok := s.credentials[credentialID]
	if !ok {
		return trace.NotFound("credential %v not found", credentialID)
	}
	md.RevocationPending = pending
	s.credentials[credentialID] = md
	return nil
}

// PutFingerprint inserts or replaces the record fingerprint.
func (s *MemoryStore) PutFingerprint(ctx context.Context, fp RecordFingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fingerprints[fingerprintKey{fp.TisID, fp.CredentialType}] = fp
	return nil
}

// GetFingerprint returns the record fingerprint, or trace.NotFound.
func (s *MemoryStore) GetFingerprint(ctx context.Context, tisID string, credentialType CredentialType) (*RecordFingerprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.fingerprints[fingerprintKey{tisID, credentialType}]
	if !ok {
		return nil, trace.NotFound("no fingerprint for record %v/%v", tisID, credentialType)
	}
	return &fp, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}
