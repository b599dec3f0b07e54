// Package redis provides a shared result store backed by Redis, so that
// separate processes can reuse validated analysis results.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"geoquery/internal/domain"
)

const keyPrefix = "analysis:"

// Options configures the store connection
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Store implements analysis.ResultStore on Redis
type Store struct {
	client *goredis.Client
	ttl    time.Duration
}

// NewStore connects to Redis and verifies the connection
func NewStore(ctx context.Context, opts Options) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newStore(client, opts.TTL), nil
}

func newStore(client *goredis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

// Key returns the Redis key for a query
func Key(key domain.QueryKey) string {
	return keyPrefix + key.Digest()
}

// Get returns the stored result for key. A missing or undecodable value is a miss.
func (s *Store) Get(ctx context.Context, key domain.QueryKey) (*domain.AnalysisResult, bool, error) {
	k := Key(key)

	data, err := s.client.Get(ctx, k).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get key %s: %w", k, err)
	}

	var result domain.AnalysisResult
	if err := json.Unmarshal(data, &result); err != nil || result.CitationAnalysis == nil || result.KnowledgeGraph == nil {
		// Invalid data, delete and report a miss
		s.client.Del(ctx, k)
		return nil, false, nil
	}

	return &result, true, nil
}

// Set stores a validated result with the configured TTL
func (s *Store) Set(ctx context.Context, key domain.QueryKey, result *domain.AnalysisResult) error {
	if result == nil {
		return errors.New("nil result")
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	k := Key(key)
	if err := s.client.Set(ctx, k, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", k, err)
	}
	return nil
}

// Delete removes the stored result for key
func (s *Store) Delete(ctx context.Context, key domain.QueryKey) error {
	k := Key(key)
	if err := s.client.Del(ctx, k).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", k, err)
	}
	return nil
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}
