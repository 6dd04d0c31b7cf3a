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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tisrecords/credbroker"
	"github.com/tisrecords/credbroker/lib/defaults"
)

const (
	credentialCollection  = "CredentialMetadata"
	fingerprintCollection = "RecordFingerprint"
)

// MongoConfig holds the connection settings of the Mongo-backed store.
type MongoConfig struct {
	// Host is the MongoDB host (required).
	Host string
	// Port is the MongoDB port (required).
	Port int
	// Username authenticates the connection.
	Username string
	// Password authenticates the connection.
	Password string
	// Database is the database holding both collections.
	Database string
	// Logger emits log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *MongoConfig) CheckAndSetDefaults() error {
	if c.Host == "" {
		return trace.BadParameter("missing parameter Host")
	}
	if c.Port == 0 {
		return trace.BadParameter("missing parameter Port")
	}
	if c.Database == "" {
		c.Database = "credentials"
	}
	if c.Logger == nil {
		c.Logger = slog.With(credbroker.ComponentKey, credbroker.ComponentMetadata)
	}
	return nil
}

// MongoStore is a Store backed by a MongoDB document collection pair.
type MongoStore struct {
	client       *mongo.Client
	credentials  *mongo.Collection
	fingerprints *mongo.Collection
	logger       *slog.Logger
}

// NewMongoStore connects to MongoDB, ensures the required indexes and
// returns the store.
func NewMongoStore(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	uri := fmt.Sprintf("mongodb://%v:%v", cfg.Host, cfg.Port)
	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(defaults.ConnectTimeout).
		SetTimeout(defaults.ReadTimeout)
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{Username: cfg.Username, Password: cfg.Password})
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "connecting to metadata store")
	}

	db := client.Database(cfg.Database)
	store := &MongoStore{
		client:       client,
		credentials:  db.Collection(credentialCollection),
		fingerprints: db.Collection(fingerprintCollection),
		logger:       cfg.Logger,
	}
	if err := store.ensureIndexes(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	return store, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.credentials.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "credentialId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "tisId", Value: 1},
				{Key: "credentialType", Value: 1},
				{Key: "revokedAt", Value: 1},
			},
		},
	})
	if err != nil {
		return trace.ConnectionProblem(err, "creating credential indexes")
	}

	_, err = s.fingerprints.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "tisId", Value: 1},
			{Key: "credentialType", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return trace.ConnectionProblem(err, "creating fingerprint index")
	}
	return nil
}

// PutCredential inserts or replaces credential metadata by CredentialID.
func (s *MongoStore) PutCredential(ctx context.Context, md CredentialMetadata) error {
	_, err := s.credentials.ReplaceOne(ctx,
		bson.M{"credentialId": md.CredentialID},
		md,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return trace.ConnectionProblem(err, "writing credential metadata")
	}
	return nil
}

// GetCredential returns one credential's metadata.
func (s *MongoStore) GetCredential(ctx context.Context, credentialID string) (*CredentialMetadata, error) {
	var md CredentialMetadata
	err := s.credentials.FindOne(ctx, bson.M{"credentialId": credentialID}).Decode(&md)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, trace.NotFound("credential %v not found", credentialID)
		}
		return nil, trace.ConnectionProblem(err, "reading credential metadata")
	}
	return &md, nil
}

// LiveCredentials returns the non-revoked credentials for the record.
func (s *MongoStore) LiveCredentials(ctx context.Context, tisID string, credentialType CredentialType) ([]CredentialMetadata, error) {
	cursor, err := s.credentials.Find(ctx, bson.M{
		"tisId":          tisID,
		"credentialType": credentialType,
		"revokedAt":      nil,
	})
	if err != nil {
		return nil, trace.ConnectionProblem(err, "querying credential metadata")
	}
	var out []CredentialMetadata
	if err := cursor.All(ctx, &out); err != nil {
		return nil, trace.ConnectionProblem(err, "reading credential metadata")
	}
	return out, nil
}

// MarkRevoked compare-and-sets RevokedAt on a not-yet-revoked credential.
func (s *MongoStore) MarkRevoked(ctx context.Context, credentialID string, at time.Time) (bool, error) {
	result, err := s.credentials.UpdateOne(ctx,
		bson.M{"credentialId": credentialID, "revokedAt": nil},
		bson.M{"$set": bson.M{"revokedAt": at}, "$unset": bson.M{"revocationPending": ""}},
	)
	if err != nil {
		return false, trace.ConnectionProblem(err, "revoking credential metadata")
	}
	return result.ModifiedCount == 1, nil
}

// SetRevocationPending flags or clears the revocation-pending marker.
func (s *MongoStore) SetRevocationPending(ctx context.Context, credentialID string, pending bool) error {
	var update bson.M
	if pending {
		update = bson.M{"$set": bson.M{"revocationPending": true}}
	} else {
		update = bson.M{"$unset": bson.M{"revocationPending": ""}}
	}
	_, err := s.credentials.UpdateOne(ctx, bson.M{"credentialId": credentialID}, update)
	if err != nil {
		return trace.ConnectionProblem(err, "updating credential metadata")
	}
	return nil
}

// PutFingerprint inserts or replaces the record fingerprint.
func (s *MongoStore) PutFingerprint(ctx context.Context, fp RecordFingerprint) error {
	_, err := s.fingerprints.ReplaceOne(ctx,
		bson.M{"tisId": fp.TisID, "credentialType": fp.CredentialType},
		fp,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return trace.ConnectionProblem(err, "writing record fingerprint")
	}
	return nil
}

// GetFingerprint returns the record fingerprint, or trace.NotFound.
func (s *MongoStore) GetFingerprint(ctx context.Context, tisID string, credentialType CredentialType) (*RecordFingerprint, error) {
	var fp RecordFingerprint
	err := s.fingerprints.FindOne(ctx, bson.M{
		"tisId":          tisID,
		"credentialType": credentialType,
	}).Decode(&fp)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, trace.NotFound("no fingerprint for record %v/%v", tisID, credentialType)
		}
		return nil, trace.ConnectionProblem(err, "reading record fingerprint")
	}
	return &fp, nil
}

// Ping checks the connection, used by the health endpoint.
func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return trace.ConnectionProblem(err, "metadata store unavailable")
	}
	return nil
}

// Close disconnects from MongoDB.
func (s *MongoStore) Close(ctx context.Context) error {
	return trace.Wrap(s.client.Disconnect(ctx))
}
