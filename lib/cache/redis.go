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

package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"

	"github.com/tisrecords/credbroker"
	"github.com/tisrecords/credbroker/lib/defaults"
)

// RedisConfig holds the connection settings of the Redis-backed store.
type RedisConfig struct {
	// Host is the Redis host (required).
	Host string
	// Port is the Redis port (required).
	Port int
	// Username is an optional ACL username.
	Username string
	// Password is an optional password.
	Password string
	// TLS enables TLS on the connection.
	TLS bool
	// KeyPrefix namespaces all keys written by this deployment.
	KeyPrefix string
	// Logger emits log messages.
	Logger *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *RedisConfig) CheckAndSetDefaults() error {
	if c.Host == "" {
		return trace.BadParameter("missing parameter Host")
	}
	if c.Port == 0 {
		return trace.BadParameter("missing parameter Port")
	}
	if c.Logger == nil {
		c.Logger = slog.With(credbroker.ComponentKey, credbroker.ComponentCache)
	}
	return nil
}

// RedisStore is a Store backed by a shared Redis. Read-and-evict is a
// single GETDEL, so concurrent TakeOnce calls for one key cannot both
// observe the value.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisStore connects to Redis and returns a Store backed by it.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	opts := &redis.Options{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Username:     cfg.Username,
		Password:     cfg.Password,
		DialTimeout:  defaults.ConnectTimeout,
		ReadTimeout:  defaults.ReadTimeout,
		WriteTimeout: defaults.ReadTimeout,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{}
	}

	return &RedisStore{
		client: redis.NewClient(opts),
		prefix: cfg.KeyPrefix,
		logger: cfg.Logger,
	}, nil
}

// Put stores value under (cache, key) with the given TTL, replacing any
// previous value.
func (s *RedisStore) Put(ctx context.Context, cache Name, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, Key(s.prefix, cache, key), value, ttl).Err(); err != nil {
		return trace.ConnectionProblem(err, "cache unavailable")
	}
	return nil
}

// TakeOnce atomically reads and evicts the value under (cache, key).
func (s *RedisStore) TakeOnce(ctx context.Context, cache Name, key string) ([]byte, error) {
	value, err := s.client.GetDel(ctx, Key(s.prefix, cache, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, trace.NotFound("cache %v has no entry for key %q", cache, key)
		}
		return nil, trace.ConnectionProblem(err, "cache unavailable")
	}
	return value, nil
}

// Peek reads the value under (cache, key) without evicting it.
func (s *RedisStore) Peek(ctx context.Context, cache Name, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, Key(s.prefix, cache, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, trace.NotFound("cache %v has no entry for key %q", cache, key)
		}
		return nil, trace.ConnectionProblem(err, "cache unavailable")
	}
	return value, nil
}

// Ping checks the connection, used by the health endpoint.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return trace.ConnectionProblem(err, "cache unavailable")
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return trace.Wrap(s.client.Close())
}
