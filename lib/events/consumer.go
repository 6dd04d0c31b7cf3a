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

package events

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/gravitational/trace"

	"github.com/tisrecords/credbroker"
	"github.com/tisrecords/credbroker/lib/defaults"
	"github.com/tisrecords/credbroker/lib/metadata"
)

// EventKind says what happened to the training record behind a queue
// message.
type EventKind string

const (
	// KindDelete marks record deletion events.
	KindDelete EventKind = "delete"
	// KindUpdate marks record modification events.
	KindUpdate EventKind = "update"
)

// Queue binds one SQS queue to the record events it carries.
type Queue struct {
	// URL is the SQS queue URL (required).
	URL string
	// CredentialType is the kind of record the queue is about (required).
	CredentialType metadata.CredentialType
	// Kind is the record event the queue carries (required).
	Kind EventKind
}

// salientFields lists, in fingerprint order, the record fields whose
// change invalidates issued credentials. The order and the UTF-8
// concatenation are shared with the record service and must not change.
var salientFields = map[metadata.CredentialType][]string{
	metadata.TypePlacement: {
		"specialty", "grade", "nationalPostNumber", "employingBody", "site", "startDate", "endDate",
	},
	metadata.TypeProgrammeMembership: {
		"programmeName", "programmeStartDate", "programmeEndDate",
	},
}

// recordEvent is the queue message payload.
type recordEvent struct {
	TisID string                     `json:"tisId"`
	Data  map[string]json.RawMessage `json:"data"`
}

// Fingerprint hashes the salient fields of an update event. Missing
// fields contribute an empty string, so records that differ only in
// non-salient fields share a fingerprint.
func Fingerprint(credentialType metadata.CredentialType, data map[string]json.RawMessage) string {
	var b strings.Builder
	for _, field := range salientFields[credentialType] {
		b.WriteString(fieldText(data[field]))
	}
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// fieldText renders one salient field for hashing: JSON strings are
// unquoted, everything else keeps its literal JSON form.
func fieldText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// recordRevoker is the subset of the revocation service the consumer
// needs.
type recordRevoker interface {
	RevokeRecord(ctx context.Context, tisID string, credentialType metadata.CredentialType, modifiedHash string) error
}

// sqsReceiver is the subset of the SQS client the consumer needs.
type sqsReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	// Receiver is the SQS client (required).
	Receiver sqsReceiver
	// Revoker processes the record changes (required).
	Revoker recordRevoker
	// Queues are the record event queues to poll (at least one).
	Queues []Queue
	// WaitTime is the long-poll wait per receive call.
	WaitTime time.Duration
	// MaxMessages is the batch size per receive call.
	MaxMessages int32
	// Logger emits log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *ConsumerConfig) CheckAndSetDefaults() error {
	if c.Receiver == nil {
		return trace.BadParameter("missing parameter Receiver")
	}
	if c.Revoker == nil {
		return trace.BadParameter("missing parameter Revoker")
	}
	if len(c.Queues) == 0 {
		return trace.BadParameter("missing parameter Queues")
	}
	for _, q := range c.Queues {
		if q.URL == "" {
			return trace.BadParameter("missing queue URL")
		}
		if !q.CredentialType.Valid() {
			return trace.BadParameter("unknown credential type %q on queue %v", q.CredentialType, q.URL)
		}
		if q.Kind != KindDelete && q.Kind != KindUpdate {
			return trace.BadParameter("unknown event kind %q on queue %v", q.Kind, q.URL)
		}
	}
	if c.WaitTime == 0 {
		c.WaitTime = defaults.SQSWaitTime
	}
	if c.MaxMessages == 0 {
		c.MaxMessages = defaults.SQSMaxMessages
	}
	if c.Logger == nil {
		c.Logger = slog.With(credbroker.ComponentKey, credbroker.Component(credbroker.ComponentEvents, "sqs"))
	}
	return nil
}

// Consumer polls the record event queues and hands each change to the
// revocation service. Messages whose processing fails are left on the
// queue and redelivered after the visibility timeout.
type Consumer struct {
	ConsumerConfig
}

// NewConsumer returns a new instance of Consumer.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Consumer{ConsumerConfig: cfg}, nil
}

// Run polls every configured queue until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, queue := range c.Queues {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.pollQueue(ctx, queue)
		}()
	}
	wg.Wait()
}

func (c *Consumer) pollQueue(ctx context.Context, queue Queue) {
	logger := c.Logger.With("queue", queue.URL,
		"credential_type", queue.CredentialType, "kind", queue.Kind)
	logger.InfoContext(ctx, "Polling record event queue")

	for ctx.Err() == nil {
		out, err := c.Receiver.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(queue.URL),
			MaxNumberOfMessages: c.MaxMessages,
			WaitTimeSeconds:     int32(c.WaitTime / time.Second),
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WarnContext(ctx, "Receiving queue messages failed", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		for _, message := range out.Messages {
			c.handleMessage(ctx, queue, message, logger)
		}
	}
}

// handleMessage processes one queue message and deletes it on success.
// Failures leave the message in place for redelivery.
func (c *Consumer) handleMessage(ctx context.Context, queue Queue, message sqsTypes.Message, logger *slog.Logger) {
	if err := c.processMessage(ctx, queue, message); err != nil {
		logger.WarnContext(ctx, "Processing record event failed, message will be redelivered",
			"message_id", aws.ToString(message.MessageId), "error", err)
		return
	}
	if _, err := c.Receiver.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queue.URL),
		ReceiptHandle: message.ReceiptHandle,
	}); err != nil {
		logger.WarnContext(ctx, "Deleting processed message failed",
			"message_id", aws.ToString(message.MessageId), "error", err)
	}
}

func (c *Consumer) processMessage(ctx context.Context, queue Queue, message sqsTypes.Message) error {
	var event recordEvent
	if err := json.Unmarshal([]byte(aws.ToString(message.Body)), &event); err != nil {
		return trace.BadParameter("parsing record event: %v", err)
	}
	if event.TisID == "" {
		return trace.BadParameter("record event carries no tisId")
	}

	var hash string
	if queue.Kind == KindUpdate {
		hash = Fingerprint(queue.CredentialType, event.Data)
	}
	return trace.Wrap(c.Revoker.RevokeRecord(ctx, event.TisID, queue.CredentialType, hash))
}
