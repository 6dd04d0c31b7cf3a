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

package issue

import (
	"encoding/json"
	"time"

	"github.com/gravitational/trace"

	"github.com/tisrecords/credbroker/lib/metadata"
)

// dateLayout is the wire format of credential dates.
const dateLayout = "2006-01-02"

// Credential is a payload submitted for minting. Implementations carry
// the record fields the gateway embeds into the credential.
type Credential interface {
	// TisID is the training-record identifier the credential is tied to.
	TisID() string
	// Type is the credential type minted from the payload.
	Type() metadata.CredentialType
	// IssuanceScope is the OIDC scope requested from the gateway.
	IssuanceScope() string
	// ExpiresAt is when the minted credential lapses: the end of the
	// record's last day, UTC.
	ExpiresAt() (time.Time, error)
	// Validate reports the per-field problems of an incomplete payload.
	Validate() map[string]string
}

// Placement is a training placement credential payload.
type Placement struct {
	ID                 string `json:"tisId"`
	Specialty          string `json:"specialty"`
	Grade              string `json:"grade"`
	NationalPostNumber string `json:"nationalPostNumber"`
	EmployingBody      string `json:"employingBody"`
	Site               string `json:"site"`
	StartDate          string `json:"startDate"`
	EndDate            string `json:"endDate"`
}

func (p *Placement) TisID() string                 { return p.ID }
func (p *Placement) Type() metadata.CredentialType { return metadata.TypePlacement }
func (p *Placement) IssuanceScope() string         { return "issue.TrainingPlacement" }

func (p *Placement) ExpiresAt() (time.Time, error) {
	return endOfDay(p.EndDate)
}

func (p *Placement) Validate() map[string]string {
	problems := map[string]string{}
	requireField(problems, "tisId", p.ID)
	requireField(problems, "specialty", p.Specialty)
	requireField(problems, "grade", p.Grade)
	requireDate(problems, "startDate", p.StartDate)
	requireDate(problems, "endDate", p.EndDate)
	return problems
}

// ProgrammeMembership is a training programme membership credential
// payload.
type ProgrammeMembership struct {
	ID                 string `json:"tisId"`
	ProgrammeName      string `json:"programmeName"`
	ProgrammeStartDate string `json:"programmeStartDate"`
	ProgrammeEndDate   string `json:"programmeEndDate"`
}

func (p *ProgrammeMembership) TisID() string                 { return p.ID }
func (p *ProgrammeMembership) Type() metadata.CredentialType { return metadata.TypeProgrammeMembership }
func (p *ProgrammeMembership) IssuanceScope() string         { return "issue.TrainingProgrammeMembership" }

func (p *ProgrammeMembership) ExpiresAt() (time.Time, error) {
	return endOfDay(p.ProgrammeEndDate)
}

func (p *ProgrammeMembership) Validate() map[string]string {
	problems := map[string]string{}
	requireField(problems, "tisId", p.ID)
	requireField(problems, "programmeName", p.ProgrammeName)
	requireDate(problems, "programmeStartDate", p.ProgrammeStartDate)
	requireDate(problems, "programmeEndDate", p.ProgrammeEndDate)
	return problems
}

// ParseCredential decodes a credential payload of the given type.
func ParseCredential(credentialType metadata.CredentialType, raw []byte) (Credential, error) {
	var credential Credential
	switch credentialType {
	case metadata.TypePlacement:
		credential = &Placement{}
	case metadata.TypeProgrammeMembership:
		credential = &ProgrammeMembership{}
	default:
		return nil, trace.BadParameter("unknown credential type %q", credentialType)
	}
	if err := json.Unmarshal(raw, credential); err != nil {
		return nil, trace.BadParameter("parsing %v payload: %v", credentialType, err)
	}
	return credential, nil
}

func endOfDay(date string) (time.Time, error) {
	day, err := time.Parse(dateLayout, date)
	if err != nil {
		return time.Time{}, trace.BadParameter("parsing end date %q: %v", date, err)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), 23, 59, 59, 0, time.UTC), nil
}

func requireField(problems map[string]string, field, value string) {
	if value == "" {
		problems[field] = "must not be empty"
	}
}

func requireDate(problems map[string]string, field, value string) {
	if value == "" {
		problems[field] = "must not be empty"
		return
	}
	if _, err := time.Parse(dateLayout, value); err != nil {
		problems[field] = "must be an ISO-8601 date"
	}
}
