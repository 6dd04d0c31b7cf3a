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

// Package signature implements the shared-secret request signing scheme.
//
// A signed payload is a JSON object carrying a "signature" member:
//
//	{"tisId": "...", ..., "signature": {"hmac": "...", "signedAt": "...", "validUntil": "..."}}
//
// The HMAC is SHA-256 over the canonical serialisation of the whole
// object with signature.hmac removed: object keys sorted lexicographically,
// no insignificant whitespace, numeric literals preserved as written.
// Signer and verifier must share this routine verbatim; both live here.
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Signature is the signature member of a signed payload.
type Signature struct {
	// HMAC is the base64 encoded HMAC-SHA256 of the canonical payload.
	HMAC string `json:"hmac"`
	// SignedAt is when the payload was signed, must be in the past.
	SignedAt time.Time `json:"signedAt"`
	// ValidUntil is when the signature lapses, must be in the future.
	ValidUntil time.Time `json:"validUntil"`
}

// signedEnvelope extracts just the signature member of a payload.
type signedEnvelope struct {
	Signature *Signature `json:"signature"`
}

// Canonicalize returns the canonical serialisation of raw with
// signature.hmac removed. Map keys are emitted in sorted order and
// numeric literals pass through unmodified.
func Canonicalize(raw []byte) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var doc map[string]any
	if err := decoder.Decode(&doc); err != nil {
		return nil, trace.BadParameter("payload is not a JSON object: %v", err)
	}
	if sig, ok := doc["signature"].(map[string]any); ok {
		delete(sig, "hmac")
	}

	// encoding/json sorts map keys and emits no insignificant whitespace,
	// which is exactly the canonical form.
	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return canonical, nil
}

// Compute returns the base64 encoded HMAC-SHA256 of canonical under key.
func Compute(key, canonical []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks that raw carries a signature whose validity window
// contains now and whose HMAC matches the canonical payload under key.
// Failures surface as trace.AccessDenied.
func Verify(key, raw []byte, clock clockwork.Clock) (*Signature, error) {
	var envelope signedEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, trace.AccessDenied("payload is not valid JSON")
	}
	sig := envelope.Signature
	if sig == nil || sig.HMAC == "" {
		return nil, trace.AccessDenied("payload is not signed")
	}

	now := clock.Now()
	if sig.SignedAt.IsZero() || sig.SignedAt.After(now) {
		return nil, trace.AccessDenied("signature signedAt is not in the past")
	}
	if !sig.ValidUntil.After(now) {
		return nil, trace.AccessDenied("signature has expired")
	}

	canonical, err := Canonicalize(raw)
	if err != nil {
		return nil, trace.AccessDenied("payload could not be canonicalized: %v", err)
	}
	expected := Compute(key, canonical)
	if !hmac.Equal([]byte(expected), []byte(sig.HMAC)) {
		return nil, trace.AccessDenied("signature does not match payload")
	}
	return sig, nil
}

// Sign stamps raw with a signature valid for ttl from now and returns
// the signed payload. Used by trusted upstream signers and test fixtures.
func Sign(key, raw []byte, clock clockwork.Clock, ttl time.Duration) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var doc map[string]any
	if err := decoder.Decode(&doc); err != nil {
		return nil, trace.BadParameter("payload is not a JSON object: %v", err)
	}

	now := clock.Now().UTC()
	doc["signature"] = map[string]any{
		"signedAt":   now.Format(time.RFC3339Nano),
		"validUntil": now.Add(ttl).Format(time.RFC3339Nano),
	}
	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	doc["signature"].(map[string]any)["hmac"] = Compute(key, canonical)
	signed, err := json.Marshal(doc)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return signed, nil
}
