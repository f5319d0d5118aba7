package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/pkg/storage"
)

// ObjectStore keeps each object in a string key and indexes every key in a
// sorted set so prefix listing is an ordered range read.
type ObjectStore struct {
	client    *Client
	namespace string
}

func NewObjectStore(client *Client, namespace string) *ObjectStore {
	if namespace == "" {
		namespace = "fern:obj"
	}
	return &ObjectStore{client: client, namespace: namespace}
}

func (s *ObjectStore) dataKey(key string) string {
	return s.namespace + ":data:" + key
}

func (s *ObjectStore) indexKey() string {
	return s.namespace + ":index"
}

func (s *ObjectStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.dataKey(key), data, 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: 0, Member: key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

// Create sets key only when it is absent
func (s *ObjectStore) Create(ctx context.Context, key string, data []byte) (bool, error) {
	ok, err := s.client.rdb.SetNX(ctx, s.dataKey(key), data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to create %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	if err := s.client.rdb.ZAdd(ctx, s.indexKey(), redis.Z{Score: 0, Member: key}).Err(); err != nil {
		return false, fmt.Errorf("failed to index %s: %w", key, err)
	}
	return true, nil
}

func (s *ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.rdb.Get(ctx, s.dataKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return data, nil
}

func (s *ObjectStore) Delete(ctx context.Context, key string) error {
	var del *redis.IntCmd
	_, err := s.client.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.dataKey(key))
		pipe.ZRem(ctx, s.indexKey(), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	if del.Val() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// List reads the lexical range [prefix, prefix+0xff) from the index
func (s *ObjectStore) List(ctx context.Context, prefix string) ([]string, error) {
	min, max := "-", "+"
	if prefix != "" {
		min = "[" + prefix
		max = "(" + prefix + "\xff"
	}
	keys, err := s.client.rdb.ZRangeByLex(ctx, s.indexKey(), &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	out := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}
