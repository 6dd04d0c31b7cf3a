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

package verify

import (
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/google/uuid"

	"github.com/tisrecords/credbroker/lib/jwt"
)

// Identity is the server-held identity a caller submits when a
// verification starts. It is matched against the identity attested by
// the returned credential.
type Identity struct {
	// Forenames are the given names on record.
	Forenames string `json:"forenames"`
	// Surname is the family name on record.
	Surname string `json:"surname"`
	// DateOfBirth is the date of birth on record, ISO-8601 date.
	DateOfBirth string `json:"dateOfBirth"`
}

// Match reports whether the attested identity claims agree with the
// identity on record. Date of birth must match exactly and the claims
// must carry a unique identifier; names are matched fuzzily.
func Match(server Identity, claims *jwt.IdentityClaims) bool {
	if claims == nil {
		return false
	}
	if _, err := uuid.Parse(claims.UniqueIdentifier); err != nil {
		return false
	}
	if server.DateOfBirth != claims.DateOfBirth {
		return false
	}
	return verifyName(server.Forenames, claims.Forenames).valid &&
		verifyName(server.Surname, claims.Surname).valid
}

// nameMatch is the verdict for one name field.
type nameMatch struct {
	candidate string
	phonetic  float64
	text      float64
	valid     bool
}

// verifyName matches the name on record against a claimed name.
// The claimed name is tried whole and split on spaces and hyphens, so a
// double-barrelled claim matches a single-part record. Each candidate
// gets a phonetic accuracy (Double Metaphone distance) and a textual
// accuracy (case-folded Levenshtein distance); a candidate is valid
// when the text accuracy clears 0.8, relaxed to 0.5 on an exact
// phonetic match. The best candidate by phonetic then text accuracy
// decides the verdict.
func verifyName(server, claim string) nameMatch {
	var best nameMatch
	for i, candidate := range nameCandidates(claim) {
		serverCode, _ := matchr.DoubleMetaphone(server)
		candidateCode, _ := matchr.DoubleMetaphone(candidate)

		m := nameMatch{
			candidate: candidate,
			phonetic:  similarity(serverCode, candidateCode),
			text:      similarity(strings.ToLower(server), strings.ToLower(candidate)),
		}
		threshold := 0.8
		if m.phonetic == 1.0 {
			threshold = 0.5
		}
		m.valid = m.text >= threshold

		if i == 0 || m.phonetic > best.phonetic ||
			(m.phonetic == best.phonetic && m.text > best.text) {
			best = m
		}
	}
	return best
}

// nameCandidates returns the claimed name followed by its space and
// hyphen separated parts, first-seen order, duplicates dropped.
func nameCandidates(claim string) []string {
	candidates := []string{claim}
	seen := map[string]bool{claim: true}
	for _, part := range strings.FieldsFunc(claim, func(r rune) bool {
		return r == '-' || r == ' '
	}) {
		if !seen[part] {
			seen[part] = true
			candidates = append(candidates, part)
		}
	}
	return candidates
}

// similarity maps Levenshtein distance to [0, 1]; identical strings,
// including two empty ones, score 1.
func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	longest := max(len([]rune(a)), len([]rune(b)))
	return 1.0 - float64(matchr.Levenshtein(a, b))/float64(longest)
}
