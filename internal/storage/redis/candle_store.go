// Package redis stores candle records in Redis.
//
// Each record is a hash at "{prefix}:{id}" with one JSON field per metric.
// Two sorted sets scored by bucket start index the hashes: one per
// (interval, entity) for range reads and one per interval for eviction.
// Hashes may carry a TTL; index members whose hash expired are skipped on
// read and pruned lazily.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"candle-cache/internal/domain"
	"candle-cache/internal/interval"
	"candle-cache/internal/storage"
)

const (
	fieldRef      = "ref"
	fieldInterval = "interval"
	fieldStart    = "start"
	metricPrefix  = "m:"
)

// Options configures a CandleStore.
type Options struct {
	KeyPrefix string        // default "candle"
	TTL       time.Duration // 0 keeps records until DeleteBefore
}

// CandleStore implements storage.CandleStore using Redis.
type CandleStore struct {
	rdb    *goredis.Client
	prefix string
	ttl    time.Duration
}

// Connect parses a redis:// URL and verifies the server is reachable.
func Connect(ctx context.Context, url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// NewCandleStore creates a CandleStore on an existing client.
func NewCandleStore(rdb *goredis.Client, opts Options) *CandleStore {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "candle"
	}
	return &CandleStore{rdb: rdb, prefix: prefix, ttl: opts.TTL}
}

// Compile-time interface check.
var _ storage.CandleStore = (*CandleStore)(nil)

func (s *CandleStore) recordKey(id string) string {
	return s.prefix + ":" + id
}

func (s *CandleStore) entityIndex(iv interval.Interval, ref string) string {
	return fmt.Sprintf("%s:by-entity:%d:%s", s.prefix, iv.Discriminant(), ref)
}

func (s *CandleStore) intervalIndex(iv interval.Interval) string {
	return fmt.Sprintf("%s:by-interval:%d", s.prefix, iv.Discriminant())
}

// Upsert replaces each record's hash and refreshes both indexes in one MULTI.
func (s *CandleStore) Upsert(ctx context.Context, records []*domain.CandleRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := storage.ValidateRecords(records); err != nil {
		return err
	}

	type prepared struct {
		rec    *domain.CandleRecord
		fields map[string]any
	}
	batch := make([]prepared, 0, len(records))
	for _, r := range records {
		fields, err := encode(r)
		if err != nil {
			return err
		}
		batch = append(batch, prepared{rec: r, fields: fields})
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, p := range batch {
			id := p.rec.ID()
			key := s.recordKey(id)
			z := goredis.Z{Score: float64(p.rec.Key.Start.Unix()), Member: id}

			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, p.fields)
			if s.ttl > 0 {
				pipe.Expire(ctx, key, s.ttl)
			}
			pipe.ZAdd(ctx, s.entityIndex(p.rec.Key.Interval, p.rec.Key.EntityRef), z)
			pipe.ZAdd(ctx, s.intervalIndex(p.rec.Key.Interval), z)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis upsert: %w", err)
	}
	return nil
}

// GetByIDs returns the stored records for ids. Expired or unknown ids are absent.
func (s *CandleStore) GetByIDs(ctx context.Context, ids []string) (map[string]*domain.CandleRecord, error) {
	result := make(map[string]*domain.CandleRecord, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	_, err := s.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.recordKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := decode(fields)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", ids[i], err)
		}
		result[ids[i]] = rec
	}
	return result, nil
}

// GetByRange returns records of one entity and interval within the floored range, ordered by bucket start ASC.
func (s *CandleStore) GetByRange(ctx context.Context, entityRef string, iv interval.Interval, from, to time.Time) ([]*domain.CandleRecord, error) {
	index := s.entityIndex(iv, entityRef)

	ids, err := s.rdb.ZRangeByScore(ctx, index, &goredis.ZRangeBy{
		Min: strconv.FormatInt(iv.Floor(from).Unix(), 10),
		Max: strconv.FormatInt(iv.Floor(to).Unix(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis range %s: %w", index, err)
	}

	found, err := s.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	result := make([]*domain.CandleRecord, 0, len(found))
	var stale []any
	for _, id := range ids {
		if rec, ok := found[id]; ok {
			result = append(result, rec)
		} else {
			stale = append(stale, id)
		}
	}

	if len(stale) > 0 {
		if err := s.rdb.ZRem(ctx, index, stale...).Err(); err != nil {
			return nil, fmt.Errorf("prune %s: %w", index, err)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Key.Start.Before(result[j].Key.Start)
	})
	return result, nil
}

// DeleteBefore removes records of iv whose bucket starts at or before iv.Floor(before).
func (s *CandleStore) DeleteBefore(ctx context.Context, iv interval.Interval, before time.Time) (int64, error) {
	index := s.intervalIndex(iv)

	ids, err := s.rdb.ZRangeByScore(ctx, index, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(iv.Floor(before).Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis range %s: %w", index, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	refs := make([]*goredis.StringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range ids {
			refs[i] = pipe.HGet(ctx, s.recordKey(id), fieldRef)
		}
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return 0, fmt.Errorf("redis lookup refs: %w", err)
	}

	var removed int64
	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range ids {
			pipe.Del(ctx, s.recordKey(id))
			pipe.ZRem(ctx, index, id)
			if ref, err := refs[i].Result(); err == nil {
				pipe.ZRem(ctx, s.entityIndex(iv, ref), id)
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis delete: %w", err)
	}
	return removed, nil
}

func encode(r *domain.CandleRecord) (map[string]any, error) {
	fields := map[string]any{
		fieldRef:      r.Key.EntityRef,
		fieldInterval: r.Key.Interval.Discriminant(),
		fieldStart:    r.Key.Start.Unix(),
	}
	for name, a := range r.Aggregates {
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal %s/%s: %w", r.ID(), name, err)
		}
		fields[metricPrefix+name] = string(data)
	}
	return fields, nil
}

func decode(fields map[string]string) (*domain.CandleRecord, error) {
	d, err := strconv.Atoi(fields[fieldInterval])
	if err != nil {
		return nil, fmt.Errorf("interval field: %w", err)
	}
	iv, err := interval.FromDiscriminant(d)
	if err != nil {
		return nil, err
	}
	secs, err := strconv.ParseInt(fields[fieldStart], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("start field: %w", err)
	}

	rec := &domain.CandleRecord{
		Key:        domain.NewBucketKey(fields[fieldRef], iv, time.Unix(secs, 0)),
		Aggregates: make(map[string]*domain.Aggregate),
	}
	for field, value := range fields {
		name, ok := strings.CutPrefix(field, metricPrefix)
		if !ok {
			continue
		}
		var a domain.Aggregate
		if err := json.Unmarshal([]byte(value), &a); err != nil {
			return nil, fmt.Errorf("metric %s: %w", name, err)
		}
		a.LastUpdate = a.LastUpdate.UTC()
		rec.Aggregates[name] = &a
	}
	return rec, nil
}
