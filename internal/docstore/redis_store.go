// Package docstore stores one flat JSON-field document per user in Redis and
// publishes a change notification on every write.
package docstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Bookkeeping fields kept next to the document fields in the hash.
const (
	revisionField = "_rev"
	writerField   = "_writer"
)

// Document is a snapshot of a user's remote document.
type Document struct {
	Fields   map[string]string
	Revision int64
	Writer   string
}

// Handler receives every document observed after a change notification. err is
// set when the re-read failed; doc is nil when the document was deleted.
type Handler func(doc *Document, err error)

// mergeScript sets the given fields, bumps the revision and publishes it.
// KEYS[1] document, KEYS[2] channel; ARGV[1] writer, then field/value pairs.
var mergeScript = redis.NewScript(`
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('HSET', KEYS[1], '_writer', ARGV[1])
local rev = redis.call('HINCRBY', KEYS[1], '_rev', 1)
redis.call('PUBLISH', KEYS[2], rev)
return rev
`)

// createScript writes the defaults only when the document does not exist yet.
// Returns {created, revision}.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  local rev = redis.call('HGET', KEYS[1], '_rev')
  return {0, tonumber(rev or '0')}
end
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('HSET', KEYS[1], '_writer', ARGV[1])
local rev = redis.call('HINCRBY', KEYS[1], '_rev', 1)
redis.call('PUBLISH', KEYS[2], rev)
return {1, rev}
`)

// RedisStore implements the remote document store on Redis hashes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and checks the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "lockdoc:",
	}
}

func (s *RedisStore) key(docID string) string {
	return s.prefix + docID
}

func (s *RedisStore) channel(docID string) string {
	return s.prefix + docID + ":changes"
}

// Get reads a document. It returns nil, nil when the document does not exist.
func (s *RedisStore) Get(ctx context.Context, docID string) (*Document, error) {
	raw, err := s.client.HGetAll(ctx, s.key(docID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return decode(raw)
}

func decode(raw map[string]string) (*Document, error) {
	doc := &Document{Fields: make(map[string]string, len(raw))}
	for k, v := range raw {
		switch k {
		case revisionField:
			rev, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse document revision: %w", err)
			}
			doc.Revision = rev
		case writerField:
			doc.Writer = v
		default:
			doc.Fields[k] = v
		}
	}
	return doc, nil
}

func scriptArgs(writer string, fields map[string]string) []any {
	args := make([]any, 0, 1+2*len(fields))
	args = append(args, writer)
	for k, v := range fields {
		if k == revisionField || k == writerField {
			continue
		}
		args = append(args, k, v)
	}
	return args
}

// MergeWrite updates only the given fields and returns the new revision.
func (s *RedisStore) MergeWrite(ctx context.Context, docID, writer string, fields map[string]string) (int64, error) {
	keys := []string{s.key(docID), s.channel(docID)}
	rev, err := mergeScript.Run(ctx, s.client, keys, scriptArgs(writer, fields)...).Int64()
	if err != nil {
		return 0, fmt.Errorf("merge write: %w", err)
	}
	return rev, nil
}

// CreateIfAbsent writes defaults when the document is missing. It reports
// whether the document was created and the revision it now has.
func (s *RedisStore) CreateIfAbsent(ctx context.Context, docID, writer string, defaults map[string]string) (bool, int64, error) {
	keys := []string{s.key(docID), s.channel(docID)}
	res, err := createScript.Run(ctx, s.client, keys, scriptArgs(writer, defaults)...).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("create document: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("create document: unexpected reply %v", res)
	}
	return res[0] == 1, res[1], nil
}

// Subscribe calls fn with a fresh read of the document after every change. The
// returned function stops the subscription and waits for the listener to exit.
func (s *RedisStore) Subscribe(ctx context.Context, docID string, fn Handler) (func() error, error) {
	pubsub := s.client.Subscribe(ctx, s.channel(docID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := pubsub.Channel()
		for {
			select {
			case <-listenCtx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				doc, err := s.Get(listenCtx, docID)
				if listenCtx.Err() != nil {
					return
				}
				fn(doc, err)
			}
		}
	}()

	var once sync.Once
	var closeErr error
	return func() error {
		once.Do(func() {
			cancel()
			closeErr = pubsub.Close()
			<-done
		})
		return closeErr
	}, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
