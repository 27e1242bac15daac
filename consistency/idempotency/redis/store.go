// Package redis implements the idempotency store on Redis. A record is
// one JSON value per key, installed with SET NX PX so acquisition and
// expiry are native Redis semantics: an expired key simply vanishes and
// the next SET NX wins. Complete and Fail run a Lua script so the
// status CAS and the rewrite happen in one round trip.
package redis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-consistency/consistency"
	"github.com/LerianStudio/lib-consistency/consistency/idempotency"
	libRedis "github.com/LerianStudio/lib-consistency/consistency/redis"
	goredis "github.com/redis/go-redis/v9"
)

var (
	ErrClientRequired      = errors.New("redis client is required")
	ErrStoreNotInitialized = errors.New("idempotency store not initialized")
)

const defaultKeyPrefix = "idempotency:"

// finishScript CASes the record's status and stores the response while
// keeping the key's TTL. Returns 1 on success, 0 when the key is absent
// or not in the expected status.
var finishScript = goredis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
	return 0
end
local record = cjson.decode(current)
if record.status ~= ARGV[1] then
	return 0
end
record.status = ARGV[2]
record.response = ARGV[3]
redis.call('SET', KEYS[1], cjson.encode(record), 'KEEPTTL')
return 1
`)

// storedRecord is the JSON shape persisted in Redis. Response is base64
// so arbitrary bytes survive cjson round trips inside the Lua script.
type storedRecord struct {
	RequestKey string `json:"request_key"`
	Status     string `json:"status"`
	Response   string `json:"response"`
	CreatedAt  string `json:"created_at"`
	ExpiresAt  string `json:"expires_at"`
}

type Option func(*Store)

func WithKeyPrefix(prefix string) Option {
	return func(store *Store) {
		if strings.TrimSpace(prefix) != "" {
			store.keyPrefix = prefix
		}
	}
}

// Store persists idempotency records in Redis.
type Store struct {
	client    *libRedis.Client
	keyPrefix string
}

// NewStore creates a Redis idempotency store.
func NewStore(client *libRedis.Client, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	store := &Store{client: client, keyPrefix: defaultKeyPrefix}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	return store, nil
}

// Acquire installs an InProgress record for key with SET NX and a TTL of
// expiresAt-now. A live record is returned with acquired=false; expired
// keys no longer exist, so they never block a fresh acquisition.
func (store *Store) Acquire(ctx context.Context, key string, now, expiresAt time.Time) (bool, *idempotency.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return false, nil, ErrStoreNotInitialized
	}

	if strings.TrimSpace(key) == "" {
		return false, nil, idempotency.ErrRequestKeyRequired
	}

	_, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "redis.acquire_idempotency_key")
	defer span.End()

	client, err := store.client.GetClient(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("getting redis client: %w", err)
	}

	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		ttl = time.Millisecond
	}

	payload, err := encodeRecord(key, idempotency.StatusInProgress, nil, now, expiresAt)
	if err != nil {
		return false, nil, err
	}

	redisKey := store.keyPrefix + key

	// The SET NX / GET race where the key expires in between resolves by
	// retrying the SET, which then wins.
	for {
		set, err := client.SetNX(ctx, redisKey, payload, ttl).Result()
		if err != nil {
			return false, nil, fmt.Errorf("setting idempotency key: %w", err)
		}

		if set {
			return true, nil, nil
		}

		raw, err := client.Get(ctx, redisKey).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}

		if err != nil {
			return false, nil, fmt.Errorf("reading idempotency key: %w", err)
		}

		existing, err := decodeRecord(raw)
		if err != nil {
			return false, nil, err
		}

		return false, existing, nil
	}
}

// Complete CASes the key from InProgress to Completed with the response.
func (store *Store) Complete(ctx context.Context, key string, response []byte) error {
	return store.finish(ctx, "redis.complete_idempotency_key", key, idempotency.StatusCompleted, response)
}

// Fail CASes the key from InProgress to Failed with the error message.
func (store *Store) Fail(ctx context.Context, key string, errMsg string) error {
	return store.finish(ctx, "redis.fail_idempotency_key", key, idempotency.StatusFailed, []byte(errMsg))
}

func (store *Store) finish(ctx context.Context, spanName, key string, status idempotency.Status, response []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return ErrStoreNotInitialized
	}

	if strings.TrimSpace(key) == "" {
		return idempotency.ErrRequestKeyRequired
	}

	_, tracer, _ := consistency.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	client, err := store.client.GetClient(ctx)
	if err != nil {
		return fmt.Errorf("getting redis client: %w", err)
	}

	updated, err := finishScript.Run(ctx, client,
		[]string{store.keyPrefix + key},
		string(idempotency.StatusInProgress),
		string(status),
		base64.StdEncoding.EncodeToString(response),
	).Int()
	if err != nil {
		return fmt.Errorf("finishing idempotency key: %w", err)
	}

	if updated == 0 {
		return idempotency.ErrKeyNotInProgress
	}

	return nil
}

// Get loads one record.
func (store *Store) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if !store.initialized() {
		return nil, ErrStoreNotInitialized
	}

	if strings.TrimSpace(key) == "" {
		return nil, idempotency.ErrRequestKeyRequired
	}

	client, err := store.client.GetClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting redis client: %w", err)
	}

	raw, err := client.Get(ctx, store.keyPrefix+key).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, idempotency.ErrKeyNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("reading idempotency key: %w", err)
	}

	return decodeRecord(raw)
}

func (store *Store) initialized() bool {
	return store != nil && store.client != nil
}

func encodeRecord(key string, status idempotency.Status, response []byte, createdAt, expiresAt time.Time) (string, error) {
	payload, err := json.Marshal(storedRecord{
		RequestKey: key,
		Status:     string(status),
		Response:   base64.StdEncoding.EncodeToString(response),
		CreatedAt:  createdAt.Format(time.RFC3339Nano),
		ExpiresAt:  expiresAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("encoding idempotency record: %w", err)
	}

	return string(payload), nil
}

func decodeRecord(raw string) (*idempotency.Record, error) {
	var stored storedRecord

	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("decoding idempotency record: %w", err)
	}

	record := &idempotency.Record{
		RequestKey: stored.RequestKey,
		Status:     idempotency.Status(stored.Status),
	}

	if stored.Response != "" {
		response, err := base64.StdEncoding.DecodeString(stored.Response)
		if err != nil {
			return nil, fmt.Errorf("decoding idempotency response: %w", err)
		}

		record.Response = response
	}

	if stored.CreatedAt != "" {
		createdAt, err := time.Parse(time.RFC3339Nano, stored.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		record.CreatedAt = createdAt
	}

	if stored.ExpiresAt != "" {
		expiresAt, err := time.Parse(time.RFC3339Nano, stored.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("parsing expires_at: %w", err)
		}

		record.ExpiresAt = expiresAt
	}

	return record, nil
}
