// Package redis implements the keyvalue.Store interface as a single Redis hash.
// Store-wide retention maps onto the EXPIRE of that hash.
package redis

import (
	"context"
	"errors"
	"time"

	"peerlink/datamodel/keyvalue"

	goredis "github.com/redis/go-redis/v9"

	log "github.com/sirupsen/logrus"
)

const DefaultHashKey = "p2p:peers"

var _ keyvalue.Store = (*Store)(nil)

type Options struct {
	Addr        string
	DB          int
	DialTimeout time.Duration
	HashKey     string // DefaultHashKey when empty
}

type Store struct {
	client  *goredis.Client
	hashKey string
}

// New creates the client. No connection is made until the first command, so an unreachable
// server shows up as errors from the individual operations rather than from New.
func New(opts Options) *Store {
	if opts.HashKey == "" {
		opts.HashKey = DefaultHashKey
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:        opts.Addr,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})

	log.Infof("Using Redis at %s (db %d, hash %s)", opts.Addr, opts.DB, opts.HashKey)

	return &Store{
		client:  client,
		hashKey: opts.HashKey,
	}
}

func (s *Store) Put(ctx context.Context, key keyvalue.Key, value []byte) error {
	return s.client.HSet(ctx, s.hashKey, string(key), value).Err()
}

func (s *Store) Get(ctx context.Context, key keyvalue.Key) ([]byte, error) {
	raw, err := s.client.HGet(ctx, s.hashKey, string(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, keyvalue.ErrNotFound
	}
	return raw, err
}

func (s *Store) Delete(ctx context.Context, key keyvalue.Key) (bool, error) {
	n, err := s.client.HDel(ctx, s.hashKey, string(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Enumerate walks the hash with HSCAN so the result follows the server's iteration order.
// HSCAN may return a field more than once; only the first occurrence is kept.
func (s *Store) Enumerate(ctx context.Context) ([]keyvalue.Pair, error) {
	var pairs []keyvalue.Pair
	seen := make(map[string]struct{})

	iter := s.client.HScan(ctx, s.hashKey, 0, "", 0).Iterator()
	for iter.Next(ctx) {
		field := iter.Val()
		if !iter.Next(ctx) {
			break
		}
		value := iter.Val()

		if _, dup := seen[field]; dup {
			continue
		}
		seen[field] = struct{}{}
		pairs = append(pairs, keyvalue.Pair{Key: keyvalue.Key(field), Value: []byte(value)})
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	return pairs, nil
}

func (s *Store) Retain(ctx context.Context, ttl time.Duration) error {
	return s.client.Expire(ctx, s.hashKey, ttl).Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
