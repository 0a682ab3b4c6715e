package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/questlog/questlog/internal/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// txMaxRetries bounds optimistic-transaction retries on contention.
const txMaxRetries = 8

// Redis implements Store on a Redis server. Documents are JSON strings at
// doc:<collection>/<id>; per-collection secondary indexes back the query
// surface the application needs (see indexPut); change streams ride pub/sub
// channels changes:<collection>. Multi-document transactions use WATCH with
// bounded retries.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis creates a Redis-backed store. An unreachable server is not an
// error: the daemon starts offline and the connectivity monitor picks the
// connection up when it appears.
func NewRedis(ctx context.Context, opts Options, logger *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("remote store unreachable at startup", zap.String("addr", opts.Addr), zap.Error(err))
	}
	return &Redis{client: client, logger: logger}, nil
}

func (s *Redis) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Redis) Close() error {
	return s.client.Close()
}

func docKey(path string) string         { return "doc:" + path }
func idsKey(collection string) string   { return "idx:" + collection + ":ids" }
func changeChan(collection string) string { return "changes:" + collection }

func (s *Redis) Get(ctx context.Context, path string) ([]byte, error) {
	data, err := s.client.Get(ctx, docKey(path)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("get %s: %w", path, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return data, nil
}

func (s *Redis) Put(ctx context.Context, path string, data []byte) error {
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}
	fields, err := decodeFields(data)
	if err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, docKey(path), data, 0)
		pipe.SAdd(ctx, idsKey(collection), id)
		indexPut(ctx, pipe, collection, id, fields)
		publishChange(ctx, pipe, Change{Collection: collection, ID: id, Doc: data})
		return nil
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", path, err)
	}
	return nil
}

func (s *Redis) Delete(ctx context.Context, path string) error {
	collection, id, err := SplitPath(path)
	if err != nil {
		return err
	}

	// Old document fields are needed to clean the indexes. A vanished doc
	// makes the delete a no-op for indexes, which is correct.
	old, err := s.client.Get(ctx, docKey(path)).Bytes()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	var fields map[string]any
	if err == nil {
		fields, _ = decodeFields(old)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, docKey(path))
		pipe.SRem(ctx, idsKey(collection), id)
		indexRemove(ctx, pipe, collection, id, fields)
		publishChange(ctx, pipe, Change{Collection: collection, ID: id, Deleted: true})
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// redisTx stages writes made by a transaction body. Reads go through the
// WATCHed connection so any concurrent modification aborts the commit.
type redisTx struct {
	ctx     context.Context
	tx      *redis.Tx
	paths   map[string]bool
	writes  map[string][]byte
	ordered []string
}

func (t *redisTx) Get(path string) ([]byte, error) {
	if !t.paths[path] {
		return nil, fmt.Errorf("path %s not declared in transaction", path)
	}
	if data, ok := t.writes[path]; ok {
		if data == nil {
			return nil, fmt.Errorf("get %s: %w", path, domain.ErrNotFound)
		}
		return data, nil
	}
	data, err := t.tx.Get(t.ctx, docKey(path)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("get %s: %w", path, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return data, nil
}

func (t *redisTx) Put(path string, data []byte) {
	stored := make([]byte, len(data))
	copy(stored, data)
	t.stage(path, stored)
}

func (t *redisTx) Delete(path string) {
	t.stage(path, nil)
}

func (t *redisTx) stage(path string, data []byte) {
	if _, seen := t.writes[path]; !seen {
		t.ordered = append(t.ordered, path)
	}
	t.writes[path] = data
}

func (s *Redis) RunTransaction(ctx context.Context, paths []string, fn func(tx Tx) error) error {
	watchKeys := make([]string, len(paths))
	for i, p := range paths {
		watchKeys[i] = docKey(p)
	}

	run := func(rtx *redis.Tx) error {
		t := &redisTx{
			ctx:    ctx,
			tx:     rtx,
			paths:  make(map[string]bool, len(paths)),
			writes: make(map[string][]byte),
		}
		for _, p := range paths {
			t.paths[p] = true
		}

		if err := fn(t); err != nil {
			return err
		}

		// Index cleanup for deletes needs the old documents; read them
		// on the watched connection so they stay consistent.
		oldFields := make(map[string]map[string]any)
		for _, path := range t.ordered {
			if t.writes[path] != nil {
				continue
			}
			old, err := rtx.Get(ctx, docKey(path)).Bytes()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return err
			}
			if fields, err := decodeFields(old); err == nil {
				oldFields[path] = fields
			}
		}

		_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, path := range t.ordered {
				collection, id, err := SplitPath(path)
				if err != nil {
					return err
				}
				data := t.writes[path]
				if data == nil {
					pipe.Del(ctx, docKey(path))
					pipe.SRem(ctx, idsKey(collection), id)
					indexRemove(ctx, pipe, collection, id, oldFields[path])
					publishChange(ctx, pipe, Change{Collection: collection, ID: id, Deleted: true})
					continue
				}
				fields, err := decodeFields(data)
				if err != nil {
					return err
				}
				pipe.Set(ctx, docKey(path), data, 0)
				pipe.SAdd(ctx, idsKey(collection), id)
				indexPut(ctx, pipe, collection, id, fields)
				publishChange(ctx, pipe, Change{Collection: collection, ID: id, Doc: data})
			}
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < txMaxRetries; attempt++ {
		err = s.client.Watch(ctx, run, watchKeys...)
		if err != redis.TxFailedErr {
			return err
		}
		s.logger.Debug("transaction contention, retrying", zap.Int("attempt", attempt+1))
	}
	return fmt.Errorf("transaction exceeded %d retries: %w", txMaxRetries, err)
}

func (s *Redis) Query(ctx context.Context, q Query) ([]Doc, error) {
	ids, err := s.queryIDs(ctx, q)
	if err != nil {
		return nil, err
	}
	if q.Limit > 0 && len(ids) > q.Limit {
		ids = ids[:q.Limit]
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = docKey(DocPath(q.Collection, id))
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}

	var docs []Doc
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue // deleted between index read and fetch
		}
		docs = append(docs, Doc{Path: DocPath(q.Collection, ids[i]), Data: []byte(str)})
	}
	return docs, nil
}

func (s *Redis) Count(ctx context.Context, q Query) (int64, error) {
	// The rank query has a dedicated ZSET so counting needs no scan.
	if q.Collection == "profiles" && q.Field == "xp_total" && q.Op == OpGt {
		min := "(" + formatScore(q.Value)
		n, err := s.client.ZCount(ctx, "idx:profiles:xp_total", min, "+inf").Result()
		if err != nil {
			return 0, fmt.Errorf("count profiles by xp: %w", err)
		}
		return n, nil
	}
	ids, err := s.queryIDs(ctx, q)
	if err != nil {
		return 0, err
	}
	return int64(len(ids)), nil
}

// queryIDs resolves a query to member ids via the collection's indexes.
// Only indexed (collection, field) pairs are supported; anything else is a
// programming error, not a fallback to a full scan.
func (s *Redis) queryIDs(ctx context.Context, q Query) ([]string, error) {
	switch {
	case q.Collection == "profiles" && q.Field == "" && q.OrderBy == "xp_total":
		stop := int64(-1)
		if q.Limit > 0 {
			stop = int64(q.Limit - 1)
		}
		if q.Desc {
			return s.client.ZRevRange(ctx, "idx:profiles:xp_total", 0, stop).Result()
		}
		return s.client.ZRange(ctx, "idx:profiles:xp_total", 0, stop).Result()

	case q.Collection == "profiles" && q.Field == "xp_total" && q.Op == OpGt:
		min := "(" + formatScore(q.Value)
		return s.client.ZRangeByScore(ctx, "idx:profiles:xp_total", &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()

	case q.Collection == "friendships" && q.Field == "user_id" && q.Op == OpEq:
		return s.smembers(ctx, "idx:friendships:user:"+asString(q.Value))

	case q.Collection == "friendships" && q.Field == "friend_id" && q.Op == OpEq:
		return s.smembers(ctx, "idx:friendships:friend:"+asString(q.Value))

	case q.Collection == "conversations" && q.Field == "participant" && q.Op == OpEq:
		return s.smembers(ctx, "idx:conversations:member:"+asString(q.Value))

	case q.Collection == "messages" && q.Field == "conversation_id" && q.Op == OpEq:
		return s.client.ZRange(ctx, "idx:messages:conv:"+asString(q.Value), 0, -1).Result()

	default:
		return nil, fmt.Errorf("unsupported query: collection=%s field=%s op=%s", q.Collection, q.Field, q.Op)
	}
}

func (s *Redis) smembers(ctx context.Context, key string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("read index %s: %w", key, err)
	}
	return ids, nil
}

func (s *Redis) Subscribe(ctx context.Context, collection string) (<-chan Change, func(), error) {
	pubsub := s.client.Subscribe(ctx, changeChan(collection))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}

	out := make(chan Change, 256)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var change Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				s.logger.Warn("malformed change notification", zap.Error(err), zap.String("collection", collection))
				continue
			}
			select {
			case out <- change:
			case <-ctx.Done():
				return
			}
		}
	}()

	unsub := func() { _ = pubsub.Close() }
	return out, unsub, nil
}

// indexPut maintains the secondary indexes for one document. Index rules
// are per-collection: profiles keep an XP ZSET (rank and leaderboard),
// friendships keep per-user membership sets (single-collection scans per
// user), conversations keep per-participant sets, and messages keep a
// per-conversation ZSET scored by timestamp.
func indexPut(ctx context.Context, r redis.Cmdable, collection, id string, fields map[string]any) {
	switch collection {
	case "profiles":
		if xp, ok := toFloat(fields["xp_total"]); ok {
			r.ZAdd(ctx, "idx:profiles:xp_total", redis.Z{Score: xp, Member: id})
		}
	case "friendships":
		if u, ok := fields["user_id"].(string); ok {
			r.SAdd(ctx, "idx:friendships:user:"+u, id)
		}
		if f, ok := fields["friend_id"].(string); ok {
			r.SAdd(ctx, "idx:friendships:friend:"+f, id)
		}
	case "conversations":
		for _, field := range []string{"participant_a", "participant_b"} {
			if p, ok := fields[field].(string); ok {
				r.SAdd(ctx, "idx:conversations:member:"+p, id)
			}
		}
	case "messages":
		conv, _ := fields["conversation_id"].(string)
		if ts, ok := toFloat(fields["timestamp"]); ok && conv != "" {
			r.ZAdd(ctx, "idx:messages:conv:"+conv, redis.Z{Score: ts, Member: id})
		}
	}
}

func indexRemove(ctx context.Context, r redis.Cmdable, collection, id string, fields map[string]any) {
	switch collection {
	case "profiles":
		r.ZRem(ctx, "idx:profiles:xp_total", id)
	case "friendships":
		if u, ok := fields["user_id"].(string); ok {
			r.SRem(ctx, "idx:friendships:user:"+u, id)
		}
		if f, ok := fields["friend_id"].(string); ok {
			r.SRem(ctx, "idx:friendships:friend:"+f, id)
		}
	case "conversations":
		for _, field := range []string{"participant_a", "participant_b"} {
			if p, ok := fields[field].(string); ok {
				r.SRem(ctx, "idx:conversations:member:"+p, id)
			}
		}
	case "messages":
		if conv, ok := fields["conversation_id"].(string); ok {
			r.ZRem(ctx, "idx:messages:conv:"+conv, id)
		}
	}
}

func publishChange(ctx context.Context, r redis.Cmdable, change Change) {
	payload, err := json.Marshal(change)
	if err != nil {
		return
	}
	r.Publish(ctx, changeChan(change.Collection), payload)
}

func decodeFields(data []byte) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return fields, nil
}

func formatScore(v any) string {
	f, _ := toFloat(v)
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
