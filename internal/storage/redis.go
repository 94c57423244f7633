package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

type redisStore struct {
	client redis.UniversalClient
	cache  *cache.Cache
	prefix string
}

var _ Store = (*redisStore)(nil)

// NewRedisStoreFromURL connects to redisURL and verifies the connection.
func NewRedisStoreFromURL(ctx context.Context, redisURL, prefix string) (Store, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(rdb, prefix), nil
}

// NewRedisStore wraps an existing client. Every key is namespaced under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) Store {
	return &redisStore{
		client: client,
		cache:  cache.New(&cache.Options{Redis: client}),
		prefix: prefix,
	}
}

func (r *redisStore) key(kind, id string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, kind, id)
}

func (r *redisStore) allowListKey() string { return r.prefix + ":allowlist" }
func (r *redisStore) jobsKey() string      { return r.prefix + ":jobs" }

// setExpiring writes v under key until expiresAt. A past expiry deletes the key.
func (r *redisStore) setExpiring(ctx context.Context, key string, v any, expiresAt time.Time) error {
	var ttl time.Duration
	if !expiresAt.IsZero() {
		ttl = time.Until(expiresAt)
		if ttl <= 0 {
			return r.client.Del(ctx, key).Err()
		}
	}
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return r.client.Set(ctx, key, data, ttl).Err()
}

func (r *redisStore) exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ---- Dedup markers ---------------------------------------------------------

func (r *redisStore) PendingExists(ctx context.Context, targetID string) (bool, error) {
	return r.exists(ctx, r.key("pending", targetID))
}

func (r *redisStore) PendingRecord(ctx context.Context, p PendingConfirmation, expiresAt time.Time) error {
	return r.setExpiring(ctx, r.key("pending", p.TargetID), p, expiresAt)
}

func (r *redisStore) PendingDelete(ctx context.Context, targetID string) error {
	return r.client.Del(ctx, r.key("pending", targetID)).Err()
}

// ---- Grace period ----------------------------------------------------------

func (r *redisStore) UnbanExists(ctx context.Context, username string) (bool, error) {
	return r.exists(ctx, r.key("unbanned", username))
}

func (r *redisStore) UnbanRecord(ctx context.Context, rec UnbanRecord, expiresAt time.Time) error {
	return r.setExpiring(ctx, r.key("unbanned", rec.Username), rec, expiresAt)
}

// ---- Idempotency markers ---------------------------------------------------

func (r *redisStore) ActionExists(ctx context.Context, targetID string) (bool, error) {
	return r.exists(ctx, r.key("actioned", targetID))
}

func (r *redisStore) ActionRecord(ctx context.Context, rec ActionRecord, expiresAt time.Time) error {
	return r.setExpiring(ctx, r.key("actioned", rec.TargetID), rec, expiresAt)
}

// ---- Mod notes -------------------------------------------------------------

func (r *redisStore) ModNoteExists(ctx context.Context, username string) (bool, error) {
	return r.exists(ctx, r.key("modnote", username))
}

func (r *redisStore) ModNoteRecord(ctx context.Context, username string, expiresAt time.Time) error {
	return r.setExpiring(ctx, r.key("modnote", username), time.Now().UTC(), expiresAt)
}

// ---- Moderator roster cache ------------------------------------------------

func (r *redisStore) GetModStatus(ctx context.Context, username string) (*ModStatus, error) {
	var st ModStatus
	err := r.cache.Get(ctx, r.key("ismod", username), &st)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (r *redisStore) SetModStatus(ctx context.Context, st ModStatus, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		err := r.cache.Delete(ctx, r.key("ismod", st.Username))
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil
		}
		return err
	}
	return r.cache.Set(&cache.Item{
		Ctx:   ctx,
		Key:   r.key("ismod", st.Username),
		Value: st,
		TTL:   ttl,
	})
}

// ---- Flags -----------------------------------------------------------------

func (r *redisStore) FlagIsSet(ctx context.Context, name string) (bool, error) {
	return r.exists(ctx, r.key("flag", name))
}

func (r *redisStore) FlagSet(ctx context.Context, name string) error {
	return r.client.Set(ctx, r.key("flag", name), "true", 0).Err()
}

// ---- Allow-list ------------------------------------------------------------

func (r *redisStore) AllowListAdd(ctx context.Context, username string, nextCheckAt time.Time) error {
	return r.client.ZAdd(ctx, r.allowListKey(), redis.Z{
		Score:  float64(nextCheckAt.UnixMilli()),
		Member: username,
	}).Err()
}

func (r *redisStore) AllowListRemove(ctx context.Context, username string) error {
	return r.client.ZRem(ctx, r.allowListKey(), username).Err()
}

func (r *redisStore) AllowListExists(ctx context.Context, username string) (bool, error) {
	_, err := r.client.ZScore(ctx, r.allowListKey(), username).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *redisStore) AllowListDue(ctx context.Context, now time.Time) ([]AllowListEntry, error) {
	zs, err := r.client.ZRangeByScoreWithScores(ctx, r.allowListKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}
	return toEntries(zs), nil
}

func (r *redisStore) AllowListPeek(ctx context.Context) (*AllowListEntry, error) {
	zs, err := r.client.ZRangeWithScores(ctx, r.allowListKey(), 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(zs) == 0 {
		return nil, nil
	}
	entries := toEntries(zs)
	return &entries[0], nil
}

func toEntries(zs []redis.Z) []AllowListEntry {
	entries := make([]AllowListEntry, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		entries = append(entries, AllowListEntry{
			Username:    member,
			NextCheckAt: time.UnixMilli(int64(z.Score)).UTC(),
		})
	}
	return entries
}

// ---- Jobs ------------------------------------------------------------------

func (r *redisStore) JobPut(ctx context.Context, job JobRecord) error {
	data, err := msgpack.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal JobRecord: %w", err)
	}
	return r.client.HSet(ctx, r.jobsKey(), job.ID, data).Err()
}

func (r *redisStore) JobDelete(ctx context.Context, id string) error {
	return r.client.HDel(ctx, r.jobsKey(), id).Err()
}

// JobTake succeeds for exactly one caller: HDEL reports 1 only to the
// client that removed the field.
func (r *redisStore) JobTake(ctx context.Context, id string) (bool, error) {
	n, err := r.client.HDel(ctx, r.jobsKey(), id).Result()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *redisStore) JobList(ctx context.Context) ([]JobRecord, error) {
	raw, err := r.client.HGetAll(ctx, r.jobsKey()).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]JobRecord, 0, len(raw))
	for id, v := range raw {
		var job JobRecord
		if err := msgpack.Unmarshal([]byte(v), &job); err != nil {
			return nil, fmt.Errorf("unmarshal JobRecord for %s: %w", id, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ---- Janitor ---------------------------------------------------------------

// PruneExpired is a no-op: Redis expires keys on its own.
func (r *redisStore) PruneExpired(context.Context) (int, error) {
	return 0, nil
}

// ---- Utility ---------------------------------------------------------------

// SizeBytes is not tracked for Redis.
func (r *redisStore) SizeBytes() (int64, error) {
	return 0, nil
}

func (r *redisStore) Close() error {
	return r.client.Close()
}
