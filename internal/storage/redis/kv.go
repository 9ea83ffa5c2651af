// Package redis stores session records in Redis so several API replicas can list them.
package redis

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/italolelis/asset_uploader/internal/storage"
	goredis "github.com/redis/go-redis/v9"
)

const scanBatch = 100

// KV implements storage.KV on plain Redis string keys under a namespace.
type KV struct {
	client    goredis.UniversalClient
	namespace string
	ttl       time.Duration
}

// NewKV returns a KV prefixing every key with namespace. A ttl of zero keeps records until removed.
func NewKV(client goredis.UniversalClient, namespace string, ttl time.Duration) *KV {
	if namespace != "" && !strings.HasSuffix(namespace, ":") {
		namespace += ":"
	}

	return &KV{client: client, namespace: namespace, ttl: ttl}
}

func (r *KV) key(k string) string {
	return r.namespace + k
}

func (r *KV) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrNotFound
		}

		return nil, err
	}

	return v, nil
}

func (r *KV) Set(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, r.key(key), value, r.ttl).Err()
}

func (r *KV) Remove(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

// ListKeys walks the keyspace with SCAN and returns matching keys without the namespace, sorted.
func (r *KV) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	iter := r.client.Scan(ctx, 0, escapeGlob(r.key(prefix))+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.namespace))
	}

	if err := iter.Err(); err != nil {
		return nil, err
	}

	sort.Strings(keys)

	return keys, nil
}

func escapeGlob(s string) string {
	return strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`).Replace(s)
}
