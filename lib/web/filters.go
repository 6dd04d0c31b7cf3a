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

package web

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/tisrecords/credbroker/lib/metadata"
	"github.com/tisrecords/credbroker/lib/signature"
)

// maxBodySize caps how much of a request body is read.
const maxBodySize = 1 << 20

// wwwAuthenticate is the challenge returned to callers without a
// verified session.
const wwwAuthenticate = `IdentityVerification realm="/api/verify/identity"`

// withSignedData admits a request only when its body carries a valid
// HMAC signature. For issuance targets the signature must also be
// fresher than the record's last modification, otherwise the signed
// data is stale. The body is buffered so downstream handlers can
// re-read it.
func (h *Handler) withSignedData(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
		if err != nil {
			replyJSON(w, http.StatusForbidden, map[string]string{"error": "unreadable body"})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		sig, err := signature.Verify(h.SignatureKey, body, h.Clock)
		if err != nil {
			h.Logger.InfoContext(r.Context(), "Rejected unsigned or tampered payload",
				"path", r.URL.Path, "error", err)
			replyJSON(w, http.StatusForbidden, map[string]string{"error": "invalid signature"})
			return
		}

		if credentialType, ok := issueTarget(r.URL.Path); ok {
			if err := h.checkFreshness(r, body, credentialType, sig); err != nil {
				h.Logger.InfoContext(r.Context(), "Rejected stale signed payload",
					"path", r.URL.Path, "error", err)
				replyJSON(w, http.StatusForbidden, map[string]string{"error": "stale data"})
				return
			}
		}

		next(w, r, p)
	}
}

// checkFreshness rejects issuance payloads signed before the record's
// last observed modification: the signer saw data that has since
// changed.
func (h *Handler) checkFreshness(r *http.Request, body []byte, credentialType metadata.CredentialType, sig *signature.Signature) error {
	var payload struct {
		TisID string `json:"tisId"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.TisID == "" {
		return trace.AccessDenied("payload carries no tisId")
	}

	lastModified, err := h.LastModified.LastModifiedDate(r.Context(), payload.TisID, credentialType)
	if err != nil {
		if trace.IsNotFound(err) {
			// Never modified, nothing to be stale against.
			return nil
		}
		return trace.Wrap(err)
	}
	if !lastModified.Before(sig.SignedAt) {
		return trace.AccessDenied("record %v modified at %v, after the payload was signed at %v",
			payload.TisID, lastModified, sig.SignedAt)
	}
	return nil
}

// issueTarget maps an issuance path to its credential type.
func issueTarget(path string) (metadata.CredentialType, bool) {
	credentialType, ok := strings.CutPrefix(path, "/api/issue/")
	if !ok {
		return "", false
	}
	t := metadata.CredentialType(credentialType)
	return t, t.Valid()
}

// withVerifiedSession admits a request only when its bearer's session
// has been identity-verified. Anything else gets a 401 with the
// verification challenge.
func (h *Handler) withVerifiedSession(next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		token, err := bearerToken(r)
		if err != nil {
			replyUnauthenticated(w)
			return
		}
		verified, err := h.Verify.HasVerifiedSession(r.Context(), token)
		if err != nil || !verified {
			if err != nil {
				h.Logger.InfoContext(r.Context(), "Rejected unverified session",
					"path", r.URL.Path, "error", err)
			}
			replyUnauthenticated(w)
			return
		}
		next(w, r, p)
	}
}

// bearerToken extracts the bearer from the Authorization header.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", trace.AccessDenied("missing bearer token")
	}
	return token, nil
}

func replyUnauthenticated(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", wwwAuthenticate)
	replyJSON(w, http.StatusUnauthorized, map[string]string{"error": "identity verification required"})
}

// readBody returns the buffered request body.
func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return body, nil
}

// readJSON reads the request body and unmarshals it into val.
func readJSON(r *http.Request, val any) error {
	body, err := readBody(r)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(body, val); err != nil {
		return trace.BadParameter("request body is not valid JSON: %v", err)
	}
	return nil
}
