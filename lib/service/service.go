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

// Package service assembles the broker from its parts and runs it: the
// HTTP surface, the record event consumers and the signal handling.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/gravitational/trace"

	"github.com/tisrecords/credbroker"
	"github.com/tisrecords/credbroker/lib/cache"
	"github.com/tisrecords/credbroker/lib/config"
	"github.com/tisrecords/credbroker/lib/defaults"
	"github.com/tisrecords/credbroker/lib/events"
	"github.com/tisrecords/credbroker/lib/gateway"
	"github.com/tisrecords/credbroker/lib/issue"
	"github.com/tisrecords/credbroker/lib/jwt"
	"github.com/tisrecords/credbroker/lib/metadata"
	"github.com/tisrecords/credbroker/lib/revoke"
	"github.com/tisrecords/credbroker/lib/verify"
	"github.com/tisrecords/credbroker/lib/web"
)

// shutdownTimeout bounds the graceful drain of inbound requests.
const shutdownTimeout = 10 * time.Second

// Service is the assembled broker.
type Service struct {
	cfg    *config.Config
	logger *slog.Logger

	cacheStore *cache.RedisStore
	metaStore  *metadata.MongoStore
	decoder    *jwt.Decoder
	consumer   *events.Consumer
	server     *http.Server
}

// New wires the broker together from its configuration.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	logger := slog.With(credbroker.ComponentKey, "service")

	cacheStore, err := cache.NewRedisStore(cache.RedisConfig{
		Host:      cfg.Redis.Host,
		Port:      cfg.Redis.Port,
		Username:  cfg.Redis.Username,
		Password:  cfg.Redis.Password,
		TLS:       cfg.Redis.TLS,
		KeyPrefix: cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	metaStore, err := metadata.NewMongoStore(ctx, metadata.MongoConfig{
		Host:     cfg.DB.Host,
		Port:     cfg.DB.Port,
		Username: cfg.DB.Username,
		Password: cfg.DB.Password,
		Database: cfg.DB.Database,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	gatewayClient, err := gateway.New(gateway.Config{
		Host:          cfg.Gateway.Host,
		ClientID:      cfg.Gateway.ClientID,
		ClientSecret:  cfg.Gateway.ClientSecret,
		SigningKeyPEM: cfg.Gateway.SigningKeyPEM,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	decoder, err := jwt.NewDecoder(jwt.DecoderConfig{
		JWKSURL: gatewayClient.JWKSURL(),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	verifyService, err := verify.NewService(verify.Config{
		Cache:       cacheStore,
		Decoder:     decoder,
		Gateway:     gatewayClient,
		RedirectURI: cfg.Gateway.VerificationRedirectURI,
		RequestTTL:  cfg.VerificationRequestTTL,
		SessionTTL:  cfg.VerifiedSessionTTL,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	issueService, err := issue.NewService(issue.Config{
		Cache:       cacheStore,
		Decoder:     decoder,
		Gateway:     gatewayClient,
		Store:       metaStore,
		CallbackURI: cfg.Gateway.IssuingRedirectURI,
		RedirectURI: cfg.IssuedRedirectURI,
		PayloadTTL:  cfg.CredentialMetadataTTL,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	publisher, queues, err := messagingClients(ctx, cfg)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	revokeService, err := revoke.NewService(revoke.Config{
		Gateway:   gatewayClient,
		Store:     metaStore,
		Publisher: publisher,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var consumer *events.Consumer
	if len(queues.queues) > 0 {
		consumer, err = events.NewConsumer(events.ConsumerConfig{
			Receiver: queues.receiver,
			Revoker:  revokeService,
			Queues:   queues.queues,
		})
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}

	handler, err := web.NewHandler(web.Config{
		Verify:       verifyService,
		Issue:        issueService,
		LastModified: revokeService,
		SignatureKey: cfg.SignatureKey,
		HealthChecks: map[string]func(ctx context.Context) error{
			"cache":    cacheStore.Ping,
			"metadata": metaStore.Ping,
		},
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &Service{
		cfg:        cfg,
		logger:     logger,
		cacheStore: cacheStore,
		metaStore:  metaStore,
		decoder:    decoder,
		consumer:   consumer,
		server: &http.Server{
			Addr:        cfg.ListenAddr,
			Handler:     handler,
			ReadTimeout: defaults.ReadTimeout,
			IdleTimeout: defaults.HTTPIdleTimeout,
		},
	}, nil
}

// queueClients groups the messaging collaborators built from one AWS
// configuration.
type queueClients struct {
	receiver *sqs.Client
	queues   []events.Queue
}

// messagingClients builds the SNS publisher and the SQS queue bindings.
// Without a topic the publisher drops events; without queue URLs no
// consumer runs.
func messagingClients(ctx context.Context, cfg *config.Config) (revoke.EventPublisher, queueClients, error) {
	bindings := []struct {
		url            string
		credentialType metadata.CredentialType
		kind           events.EventKind
	}{
		{cfg.Queues.DeletePlacement, metadata.TypePlacement, events.KindDelete},
		{cfg.Queues.UpdatePlacement, metadata.TypePlacement, events.KindUpdate},
		{cfg.Queues.DeleteProgrammeMembership, metadata.TypeProgrammeMembership, events.KindDelete},
		{cfg.Queues.UpdateProgrammeMembership, metadata.TypeProgrammeMembership, events.KindUpdate},
	}

	var queues []events.Queue
	for _, b := range bindings {
		if b.url != "" {
			queues = append(queues, events.Queue{
				URL:            b.url,
				CredentialType: b.credentialType,
				Kind:           b.kind,
			})
		}
	}

	if cfg.RevocationTopicARN == "" && len(queues) == 0 {
		return dropPublisher{}, queueClients{}, nil
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, queueClients{}, trace.Wrap(err)
	}

	var publisher revoke.EventPublisher = dropPublisher{}
	if cfg.RevocationTopicARN != "" {
		publisher, err = events.NewPublisher(events.PublisherConfig{
			TopicARN:     cfg.RevocationTopicARN,
			SNSPublisher: sns.NewFromConfig(awsConfig),
		})
		if err != nil {
			return nil, queueClients{}, trace.Wrap(err)
		}
	}

	return publisher, queueClients{receiver: sqs.NewFromConfig(awsConfig), queues: queues}, nil
}

// dropPublisher discards revocation events when no topic is configured.
type dropPublisher struct{}

func (dropPublisher) PublishRevocation(ctx context.Context, event revoke.RevocationEvent) error {
	slog.DebugContext(ctx, "No revocation topic configured, event dropped",
		"credential_id", event.CredentialID)
	return nil
}

// Run serves until ctx is cancelled, then drains gracefully. SIGHUP
// flushes the memoised JWKS keys so rotated gateway keys are picked up.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)
	go func() {
		for {
			select {
			case <-hangup:
				s.logger.InfoContext(ctx, "Received SIGHUP, flushing JWKS key cache")
				s.decoder.FlushKeys()
			case <-ctx.Done():
				return
			}
		}
	}()

	if s.consumer != nil {
		go s.consumer.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "Serving", "addr", s.cfg.ListenAddr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.WarnContext(ctx, "Graceful shutdown timed out", "error", err)
	}

	if err := s.cacheStore.Close(); err != nil {
		s.logger.WarnContext(ctx, "Closing cache failed", "error", err)
	}
	if err := s.metaStore.Close(shutdownCtx); err != nil {
		s.logger.WarnContext(ctx, "Closing metadata store failed", "error", err)
	}
	return nil
}
