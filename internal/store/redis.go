package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces session records in a shared Redis.
const KeyPrefix = "quickdrop:session:"

// maxTxAttempts bounds optimistic retries for WATCH/MULTI updates. A session
// that keeps losing races is reported as gone.
const maxTxAttempts = 3

type redisRecord struct {
	Sender   string `cbor:"sender"`
	Receiver string `cbor:"receiver,omitempty"`
}

var recordEncMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func encodeRecord(rec Record) ([]byte, error) {
	return recordEncMode.Marshal(redisRecord{Sender: rec.SenderID, Receiver: rec.ReceiverID})
}

func decodeRecord(raw []byte) (Record, error) {
	var r redisRecord
	if err := cbor.Unmarshal(raw, &r); err != nil {
		return Record{}, fmt.Errorf("decode session record: %w", err)
	}
	return Record{SenderID: r.Sender, ReceiverID: r.Receiver}, nil
}

// RedisBackend stores sessions as CBOR values with a native Redis TTL.
type RedisBackend struct {
	client redis.UniversalClient
}

func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) key(code string) string { return KeyPrefix + code }

func (b *RedisBackend) Insert(ctx context.Context, code string, rec Record, ttl time.Duration) (bool, error) {
	payload, err := encodeRecord(rec)
	if err != nil {
		return false, err
	}
	return b.client.SetNX(ctx, b.key(code), payload, ttl).Result()
}

func (b *RedisBackend) Get(ctx context.Context, code string) (Record, time.Duration, error) {
	key := b.key(code)
	var (
		get  *redis.StringCmd
		pttl *redis.DurationCmd
	)
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, key)
		pttl = pipe.PTTL(ctx, key)
		return nil
	})
	if errors.Is(err, redis.Nil) {
		return Record{}, 0, ErrNotFound
	}
	if err != nil {
		return Record{}, 0, err
	}
	raw, err := get.Bytes()
	if err != nil {
		return Record{}, 0, err
	}
	rec, err := decodeRecord(raw)
	if err != nil {
		return Record{}, 0, err
	}
	return rec, pttl.Val(), nil
}

func (b *RedisBackend) Update(ctx context.Context, code string, ttl time.Duration, fn func(rec *Record) (Op, error)) (Record, error) {
	key := b.key(code)
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		var out Record
		err := b.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			current, err := decodeRecord(raw)
			if err != nil {
				return err
			}

			rec := current
			op, err := fn(&rec)
			if err != nil {
				return err
			}
			switch op {
			case OpKeep:
				out = current
				return nil
			case OpDelete:
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
			default:
				payload, encErr := encodeRecord(rec)
				if encErr != nil {
					return encErr
				}
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Set(ctx, key, payload, ttl)
					return nil
				})
			}
			if err == nil {
				out = rec
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return Record{}, ErrNotFound
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
