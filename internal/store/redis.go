package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements ItemStore on go-redis v9. Layout per table:
//
//	<table>:item:<pk>\x1f<sk>   JSON image of the item
//	<table>:part:<pk>           zset of sort keys (score 0, lex ordering)
//	<table>:gsi:<idx>:<gsipk>   zset of "<gsisk>\x1f<pk>\x1f<sk>" members
//
// Lex-ordered zsets give the begins_with and BETWEEN range reads the engine
// needs; conditional and transactional writes run under WATCH/MULTI.
type RedisStore struct {
	rdb   *redis.Client
	table string
}

const fieldSep = "\x1f"

// txRetries bounds optimistic WATCH retries before giving up.
const txRetries = 5

// NewRedisStore connects to Redis and returns a store bound to one logical
// table. Dedicated tenant tables are separate RedisStore instances over the
// same client address with different table names.
func NewRedisStore(addr, password string, db int, table string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	return &RedisStore{rdb: rdb, table: table}, nil
}

// NewRedisStoreFromClient binds a table on an already-connected client.
func NewRedisStoreFromClient(rdb *redis.Client, table string) *RedisStore {
	return &RedisStore{rdb: rdb, table: table}
}

// Name returns the table name.
func (r *RedisStore) Name() string { return r.table }

// Close shuts down the underlying client.
func (r *RedisStore) Close() error { return r.rdb.Close() }

func (r *RedisStore) itemKey(key Key) string {
	return r.table + ":item:" + key.PK + fieldSep + key.SK
}

func (r *RedisStore) partKey(pk string) string {
	return r.table + ":part:" + pk
}

func (r *RedisStore) gsiKey(index, pk string) string {
	return r.table + ":gsi:" + index + ":" + pk
}

func (r *RedisStore) Get(ctx context.Context, key Key) (Item, error) {
	raw, err := r.rdb.Get(ctx, r.itemKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeItem(raw)
}

func (r *RedisStore) Put(ctx context.Context, item Item) error {
	if err := validateItem(item); err != nil {
		return err
	}
	key := item.Key()

	return r.watchLoop(ctx, []string{r.itemKey(key)}, func(tx *redis.Tx) error {
		old, err := r.getTx(ctx, tx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return r.writeItem(ctx, pipe, old, item)
		})
		return err
	})
}

func (r *RedisStore) Update(ctx context.Context, key Key, patch Item) (Item, error) {
	return r.updateIf(ctx, key, patch, nil)
}

func (r *RedisStore) UpdateIf(ctx context.Context, key Key, patch Item, cond Condition) (Item, error) {
	return r.updateIf(ctx, key, patch, &cond)
}

func (r *RedisStore) updateIf(ctx context.Context, key Key, patch Item, cond *Condition) (Item, error) {
	var merged Item

	err := r.watchLoop(ctx, []string{r.itemKey(key)}, func(tx *redis.Tx) error {
		existing, err := r.getTx(ctx, tx, key)
		if errors.Is(err, ErrNotFound) {
			if cond != nil && !cond.Holds(nil) {
				return ErrConditionFailed
			}
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if cond != nil && !cond.Holds(existing) {
			return ErrConditionFailed
		}

		merged = existing.Clone()
		for k, v := range patch {
			merged[k] = v
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return r.writeItem(ctx, pipe, existing, merged)
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

func (r *RedisStore) Delete(ctx context.Context, key Key) error {
	return r.watchLoop(ctx, []string{r.itemKey(key)}, func(tx *redis.Tx) error {
		old, err := r.getTx(ctx, tx, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			r.removeItem(ctx, pipe, old)
			return nil
		})
		return err
	})
}

func (r *RedisStore) Query(ctx context.Context, pk, skPrefix string) ([]Item, error) {
	min, max := lexPrefixRange(skPrefix)
	sks, err := r.rdb.ZRangeByLex(ctx, r.partKey(pk), &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, err
	}

	keys := make([]Key, len(sks))
	for i, sk := range sks {
		keys[i] = Key{PK: pk, SK: sk}
	}
	return r.multiGet(ctx, keys)
}

func (r *RedisStore) QueryBetween(ctx context.Context, pk, start, end string) ([]Item, error) {
	sks, err := r.rdb.ZRangeByLex(ctx, r.partKey(pk), &redis.ZRangeBy{
		Min: "[" + start,
		Max: "[" + end,
	}).Result()
	if err != nil {
		return nil, err
	}

	keys := make([]Key, len(sks))
	for i, sk := range sks {
		keys[i] = Key{PK: pk, SK: sk}
	}
	return r.multiGet(ctx, keys)
}

func (r *RedisStore) QueryIndex(ctx context.Context, index, pk, skPrefix string) ([]Item, error) {
	min, max := lexPrefixRange(skPrefix)
	members, err := r.rdb.ZRangeByLex(ctx, r.gsiKey(index, pk), &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, err
	}

	var keys []Key
	for _, m := range members {
		parts := strings.Split(m, fieldSep)
		if len(parts) != 3 {
			continue
		}
		keys = append(keys, Key{PK: parts[1], SK: parts[2]})
	}
	return r.multiGet(ctx, keys)
}

func (r *RedisStore) BatchWrite(ctx context.Context, items []Item) error {
	if len(items) > MaxBatchItems {
		return ErrBatchTooLarge
	}
	for _, item := range items {
		if err := validateItem(item); err != nil {
			return err
		}
	}
	for _, item := range items {
		if err := r.Put(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisStore) TransactWrite(ctx context.Context, ops []TransactOp) error {
	var watch []string
	for _, op := range ops {
		switch {
		case op.Put != nil:
			if err := validateItem(op.Put); err != nil {
				return err
			}
			watch = append(watch, r.itemKey(op.Put.Key()))
		case op.Update != nil:
			watch = append(watch, r.itemKey(op.Update.Key))
		case op.Delete != nil:
			watch = append(watch, r.itemKey(*op.Delete))
		}
	}

	return r.watchLoop(ctx, watch, func(tx *redis.Tx) error {
		// Read every touched item and check conditions before writing.
		type staged struct {
			op  TransactOp
			old Item
			new Item
		}
		stages := make([]staged, 0, len(ops))

		for _, op := range ops {
			switch {
			case op.Put != nil:
				old, err := r.getTx(ctx, tx, op.Put.Key())
				if err != nil && !errors.Is(err, ErrNotFound) {
					return err
				}
				stages = append(stages, staged{op: op, old: old, new: op.Put})
			case op.Update != nil:
				existing, err := r.getTx(ctx, tx, op.Update.Key)
				if errors.Is(err, ErrNotFound) {
					existing = nil
				} else if err != nil {
					return err
				}
				if op.Update.Condition != nil && !op.Update.Condition.Holds(existing) {
					return ErrConditionFailed
				}
				if existing == nil {
					return ErrNotFound
				}
				merged := existing.Clone()
				for k, v := range op.Update.Patch {
					merged[k] = v
				}
				stages = append(stages, staged{op: op, old: existing, new: merged})
			case op.Delete != nil:
				old, err := r.getTx(ctx, tx, *op.Delete)
				if err != nil && !errors.Is(err, ErrNotFound) {
					return err
				}
				stages = append(stages, staged{op: op, old: old})
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, s := range stages {
				if s.op.Delete != nil {
					if s.old != nil {
						r.removeItem(ctx, pipe, s.old)
					}
					continue
				}
				if err := r.writeItem(ctx, pipe, s.old, s.new); err != nil {
					return err
				}
			}
			return nil
		})
		return err
	})
}

// writeItem stages the full index-maintaining write of one item: the JSON
// image, the partition zset entry, and any secondary-index entries. Stale
// index members from the previous image are removed.
func (r *RedisStore) writeItem(ctx context.Context, pipe redis.Pipeliner, old, item Item) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return err
	}
	key := item.Key()

	pipe.Set(ctx, r.itemKey(key), raw, 0)
	pipe.ZAdd(ctx, r.partKey(key.PK), redis.Z{Member: key.SK})

	for _, index := range []string{IndexGSI1, IndexGSI2, IndexGSI3} {
		oldMember, oldPK := indexMember(old, index)
		newMember, newPK := indexMember(item, index)
		if oldMember != "" && (oldPK != newPK || oldMember != newMember) {
			pipe.ZRem(ctx, r.gsiKey(index, oldPK), oldMember)
		}
		if newMember != "" {
			pipe.ZAdd(ctx, r.gsiKey(index, newPK), redis.Z{Member: newMember})
		}
	}
	return nil
}

// removeItem stages deletion of an item and all of its index entries.
func (r *RedisStore) removeItem(ctx context.Context, pipe redis.Pipeliner, item Item) {
	key := item.Key()
	pipe.Del(ctx, r.itemKey(key))
	pipe.ZRem(ctx, r.partKey(key.PK), key.SK)

	for _, index := range []string{IndexGSI1, IndexGSI2, IndexGSI3} {
		if member, pk := indexMember(item, index); member != "" {
			pipe.ZRem(ctx, r.gsiKey(index, pk), member)
		}
	}
}

func (r *RedisStore) getTx(ctx context.Context, tx *redis.Tx, key Key) (Item, error) {
	raw, err := tx.Get(ctx, r.itemKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeItem(raw)
}

func (r *RedisStore) multiGet(ctx context.Context, keys []Key) ([]Item, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = r.itemKey(k)
	}

	raws, err := r.rdb.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(raws))
	for _, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			continue // removed between index read and MGET
		}
		item, err := decodeItem([]byte(s))
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// watchLoop runs fn under optimistic WATCH on the given keys, retrying on
// concurrent modification.
func (r *RedisStore) watchLoop(ctx context.Context, keys []string, fn func(tx *redis.Tx) error) error {
	var err error
	for i := 0; i < txRetries; i++ {
		err = r.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func decodeItem(raw []byte) (Item, error) {
	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("corrupt item: %w", err)
	}
	return item, nil
}

// indexMember builds the zset member for one secondary index of an item.
// Returns "" when the item does not participate in the index.
func indexMember(item Item, index string) (member, pk string) {
	if item == nil {
		return "", ""
	}
	pk = item.GetString(index + "PK")
	sk := item.GetString(index + "SK")
	if pk == "" || sk == "" {
		return "", ""
	}
	key := item.Key()
	return sk + fieldSep + key.PK + fieldSep + key.SK, pk
}

// lexPrefixRange converts a begins_with prefix into ZRANGEBYLEX bounds.
func lexPrefixRange(prefix string) (min, max string) {
	if prefix == "" {
		return "-", "+"
	}
	return "[" + prefix, "[" + prefix + "\xff"
}
