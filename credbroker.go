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

// Package credbroker contains constants shared across the credential
// broker service.
package credbroker

const (
	// ComponentKey is the log attribute key used to identify the component
	// a message originated from.
	ComponentKey = "component"

	// ComponentCache is the caching delegate in front of Redis.
	ComponentCache = "cache"
	// ComponentJWT is the gateway token decoder.
	ComponentJWT = "jwt"
	// ComponentWeb is the HTTP surface, including the request filters.
	ComponentWeb = "web"
	// ComponentVerify is the identity verification service.
	ComponentVerify = "verify"
	// ComponentIssue is the credential issuance service.
	ComponentIssue = "issue"
	// ComponentRevoke is the credential revocation service.
	ComponentRevoke = "revoke"
	// ComponentEvents covers the SQS listener and SNS publisher.
	ComponentEvents = "events"
	// ComponentGateway is the outbound client for the credential gateway.
	ComponentGateway = "gateway"
	// ComponentMetadata is the durable credential metadata store.
	ComponentMetadata = "metadata"
)

// Component generates a component name joined with sub-components,
// e.g. Component("events", "sqs") returns "events:sqs".
func Component(parts ...string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ":"
		}
		out += p
	}
	return out
}
