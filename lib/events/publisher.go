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

// Package events connects the broker to the messaging fabric: it
// publishes revocation events to SNS and consumes record change events
// from the training-record queues.
package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snsTypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/gravitational/trace"

	"github.com/tisrecords/credbroker"
	"github.com/tisrecords/credbroker/lib/revoke"
)

const (
	// eventTypeAttr is the message attribute consumers filter on.
	eventTypeAttr = "event_type"
	// eventTypeRevoked marks credential revocation events.
	eventTypeRevoked = "CREDENTIAL_REVOKED"
)

// snsPublisher is the subset of the SNS client the publisher needs.
type snsPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	// TopicARN is the SNS topic revocation events go to (required).
	TopicARN string
	// SNSPublisher is the SNS client (required).
	SNSPublisher snsPublisher
	// Logger emits log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *PublisherConfig) CheckAndSetDefaults() error {
	if c.TopicARN == "" {
		return trace.BadParameter("missing parameter TopicARN")
	}
	if c.SNSPublisher == nil {
		return trace.BadParameter("missing parameter SNSPublisher")
	}
	if c.Logger == nil {
		c.Logger = slog.With(credbroker.ComponentKey, credbroker.Component(credbroker.ComponentEvents, "sns"))
	}
	return nil
}

// Publisher is an SNS based revocation event publisher. Events for the
// same credential share a message group id, so FIFO subscribers observe
// them in order.
type Publisher struct {
	PublisherConfig
}

// NewPublisher returns a new instance of Publisher.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Publisher{PublisherConfig: cfg}, nil
}

// PublishRevocation publishes one revocation event.
func (p *Publisher) PublishRevocation(ctx context.Context, event revoke.RevocationEvent) error {
	if event.CredentialID == "" {
		return trace.BadParameter("missing credential id on revocation event")
	}

	message, err := json.Marshal(event)
	if err != nil {
		return trace.Wrap(err)
	}

	_, err = p.SNSPublisher.Publish(ctx, &sns.PublishInput{
		TopicArn:               aws.String(p.TopicARN),
		Message:                aws.String(string(message)),
		MessageGroupId:         aws.String(event.CredentialID),
		MessageDeduplicationId: aws.String(event.CredentialID),
		MessageAttributes: map[string]snsTypes.MessageAttributeValue{
			eventTypeAttr: {DataType: aws.String("String"), StringValue: aws.String(eventTypeRevoked)},
		},
	})
	if err != nil {
		return trace.ConnectionProblem(err, "publishing revocation event")
	}

	p.Logger.InfoContext(ctx, "Published revocation event",
		"credential_id", event.CredentialID,
		"credential_type", event.CredentialType,
	)
	return nil
}
