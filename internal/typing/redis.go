package typing

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// keyGrace keeps a session hash alive a little past its newest entry.
const keyGrace = 30 * time.Second

// RedisStore shares typing state between nodes. Each session is one hash,
// field = user id, value = JSON entry. Entries carry their own deadline; the
// hash key expires keyGrace after the last write.
type RedisStore struct {
	Client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{Client: client, prefix: "pairchat:typing:"}, nil
}

func (r *RedisStore) key(sessionID int64) string {
	return r.prefix + strconv.FormatInt(sessionID, 10)
}

func (r *RedisStore) Put(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := r.key(e.SessionID)
	ttl := max(time.Until(e.ExpiresAt), 0) + keyGrace
	_, err = r.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, strconv.FormatInt(e.UserID, 10), raw)
		p.Expire(ctx, key, ttl)
		return nil
	})
	return err
}

func (r *RedisStore) Remove(ctx context.Context, sessionID, userID int64) (bool, error) {
	n, err := r.Client.HDel(ctx, r.key(sessionID), strconv.FormatInt(userID, 10)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisStore) List(ctx context.Context, sessionID int64) ([]Entry, error) {
	fields, err := r.Client.HGetAll(ctx, r.key(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var out []Entry
	for _, raw := range fields {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		if e.ExpiresAt.After(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *RedisStore) Close() error {
	return r.Client.Close()
}
