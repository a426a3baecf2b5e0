package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "session:"

// Keys, relative to the prefix:
//
//	<id>           hash {data, tok, owner}, expires with the session
//	tok:<hash>     string -> id, expires with the session
//	owner:<owner>  set of ids, pruned lazily
//
// Consuming a session (rotation, logout) runs as one script so concurrent
// callers cannot both observe it. Rotation swaps the old session for the new
// one in a single script too, so a logout or owner-wide revocation landing
// while the replacement is being built leaves nothing behind.
var consumeByTokenScript = redis.NewScript(`
local id = redis.call('GET', KEYS[1])
if not id then return false end
local key = ARGV[1] .. id
local data = redis.call('HGET', key, 'data')
local owner = redis.call('HGET', key, 'owner')
redis.call('DEL', KEYS[1], key)
if owner then redis.call('SREM', ARGV[2] .. owner, id) end
return data
`)

// KEYS: tok:<old>, <new id>, owner:<owner>, tok:<new>
// ARGV: old id, prefix, data, new token hash, owner, ttl ms, new id
var swapScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then return 0 end
redis.call('DEL', KEYS[1], ARGV[2] .. ARGV[1])
redis.call('SREM', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[2], 'data', ARGV[3], 'tok', ARGV[4], 'owner', ARGV[5])
redis.call('PEXPIRE', KEYS[2], ARGV[6])
redis.call('SET', KEYS[4], ARGV[7], 'PX', ARGV[6])
redis.call('SADD', KEYS[3], ARGV[7])
return 1
`)

var deleteByIDScript = redis.NewScript(`
local tok = redis.call('HGET', KEYS[1], 'tok')
local owner = redis.call('HGET', KEYS[1], 'owner')
if not tok then return 0 end
redis.call('DEL', KEYS[1], ARGV[1] .. tok)
if owner then redis.call('SREM', ARGV[2] .. owner, ARGV[3]) end
return 1
`)

var deleteByOwnerScript = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
local n = 0
for _, id in ipairs(ids) do
  local key = ARGV[1] .. id
  local tok = redis.call('HGET', key, 'tok')
  if tok then
    redis.call('DEL', key, ARGV[2] .. tok)
    n = n + 1
  end
end
redis.call('DEL', KEYS[1])
return n
`)

type storeRedis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore returns a Store keeping sessions in Redis. Session keys carry
// a TTL equal to the session's remaining window, so expiry is enforced by
// the server's eviction as well as by the manager.
func NewRedisStore(client redis.UniversalClient, prefix string) Store {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &storeRedis{client: client, prefix: prefix}
}

func (r *storeRedis) idKey(id string) string { return r.prefix + id }

func (r *storeRedis) tokKey(hash string) string { return r.prefix + "tok:" + hash }

func (r *storeRedis) ownerKey(owner string) string { return r.prefix + "owner:" + owner }

func (r *storeRedis) put(ctx context.Context, s *Session, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("insert session: non-positive ttl %s", ttl)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	id := s.ID.String()
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.idKey(id), "data", data, "tok", s.RefreshTokenHash, "owner", s.OwnerID.String())
		pipe.Expire(ctx, r.idKey(id), ttl)
		pipe.Set(ctx, r.tokKey(s.RefreshTokenHash), id, ttl)
		pipe.SAdd(ctx, r.ownerKey(s.OwnerID.String()), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis insert session: %w", err)
	}
	return nil
}

func (r *storeRedis) Create(ctx context.Context, s *Session) error {
	if !s.ExpiresAt.After(s.CreatedAt) {
		return fmt.Errorf("insert session: expires_at must be after created_at")
	}
	return r.put(ctx, s, s.ExpiresAt.Sub(s.CreatedAt))
}

func (r *storeRedis) load(ctx context.Context, id string) (*Session, error) {
	data, err := r.client.HGet(ctx, r.idKey(id), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	return decodeSession(data)
}

func decodeSession(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

func (r *storeRedis) FindByToken(ctx context.Context, tokenHash string) (*Session, error) {
	id, err := r.client.Get(ctx, r.tokKey(tokenHash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get session token: %w", err)
	}
	return r.load(ctx, id)
}

func (r *storeRedis) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	return r.load(ctx, id.String())
}

func (r *storeRedis) ListByOwner(ctx context.Context, ownerID uuid.UUID, now time.Time) ([]*Session, error) {
	ownerKey := r.ownerKey(ownerID.String())
	ids, err := r.client.SMembers(ctx, ownerKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list owner sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, len(ids))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGet(ctx, r.idKey(id), "data")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis load owner sessions: %w", err)
	}

	var items []*Session
	var stale []interface{}
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			stale = append(stale, ids[i])
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis load session: %w", err)
		}
		s, err := decodeSession(data)
		if err != nil {
			return nil, err
		}
		if s.ActiveAt(now) {
			items = append(items, s)
		}
	}
	if len(stale) > 0 {
		// Evicted sessions leave their id behind in the owner set.
		if err := r.client.SRem(ctx, ownerKey, stale...).Err(); err != nil {
			return nil, fmt.Errorf("redis prune owner index: %w", err)
		}
	}

	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	return items, nil
}

func (r *storeRedis) Delete(ctx context.Context, id uuid.UUID) error {
	n, err := deleteByIDScript.Run(ctx, r.client,
		[]string{r.idKey(id.String())},
		r.prefix+"tok:", r.prefix+"owner:", id.String(),
	).Int64()
	if err != nil {
		return fmt.Errorf("redis delete session %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *storeRedis) consume(ctx context.Context, tokenHash string) (*Session, error) {
	data, err := consumeByTokenScript.Run(ctx, r.client,
		[]string{r.tokKey(tokenHash)},
		r.prefix, r.prefix+"owner:",
	).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis consume session: %w", err)
	}
	return decodeSession([]byte(data))
}

func (r *storeRedis) DeleteByToken(ctx context.Context, tokenHash string) (*Session, error) {
	return r.consume(ctx, tokenHash)
}

func (r *storeRedis) DeleteAllByOwner(ctx context.Context, ownerID uuid.UUID) (int64, error) {
	n, err := deleteByOwnerScript.Run(ctx, r.client,
		[]string{r.ownerKey(ownerID.String())},
		r.prefix, r.prefix+"tok:",
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis delete owner sessions: %w", err)
	}
	return n, nil
}

// PurgeExpired prunes owner index entries whose session keys were evicted
// and reports how many it removed. The sessions themselves expire through
// their key TTL.
func (r *storeRedis) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var purged int64
	iter := r.client.Scan(ctx, 0, r.prefix+"owner:*", 100).Iterator()
	for iter.Next(ctx) {
		ownerKey := iter.Val()
		ids, err := r.client.SMembers(ctx, ownerKey).Result()
		if err != nil {
			return purged, fmt.Errorf("redis scan owner index: %w", err)
		}
		for _, id := range ids {
			s, err := r.load(ctx, id)
			switch {
			case errors.Is(err, ErrNotFound):
			case err != nil:
				return purged, err
			case s.ActiveAt(now):
				continue
			default:
				if err := r.Delete(ctx, s.ID); err != nil && !errors.Is(err, ErrNotFound) {
					return purged, err
				}
			}
			if err := r.client.SRem(ctx, ownerKey, id).Err(); err != nil {
				return purged, fmt.Errorf("redis prune owner index: %w", err)
			}
			purged++
		}
	}
	if err := iter.Err(); err != nil {
		return purged, fmt.Errorf("redis scan owner index: %w", err)
	}
	return purged, nil
}

// Rotate reads the old session, builds its replacement and swaps the two
// only if the old token still points at the session that was read. A
// failed build leaves the old session as it was.
func (r *storeRedis) Rotate(ctx context.Context, oldTokenHash string, now time.Time, build BuildFunc) (*Session, error) {
	old, err := r.FindByToken(ctx, oldTokenHash)
	if err != nil {
		return nil, err
	}
	if !old.ActiveAt(now) {
		gone, err := r.consume(ctx, oldTokenHash)
		if err != nil {
			return nil, err
		}
		return gone, ErrExpired
	}

	next, err := build(old)
	if err != nil {
		return nil, fmt.Errorf("rotate session: %w", err)
	}
	if next.OwnerID != old.OwnerID {
		return nil, fmt.Errorf("rotate session: replacement changes owner")
	}
	if !next.ExpiresAt.After(next.CreatedAt) {
		return nil, fmt.Errorf("rotate session: expires_at must be after created_at")
	}
	data, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	owner := old.OwnerID.String()
	swapped, err := swapScript.Run(ctx, r.client,
		[]string{r.tokKey(oldTokenHash), r.idKey(next.ID.String()), r.ownerKey(owner), r.tokKey(next.RefreshTokenHash)},
		old.ID.String(), r.prefix, data, next.RefreshTokenHash, owner,
		next.ExpiresAt.Sub(next.CreatedAt).Milliseconds(), next.ID.String(),
	).Int64()
	if err != nil {
		return nil, fmt.Errorf("redis rotate session: %w", err)
	}
	if swapped == 0 {
		// Consumed by a logout, a revocation or another rotation meanwhile.
		return nil, ErrNotFound
	}
	return next, nil
}
