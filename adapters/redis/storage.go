package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"rewardkit/core"
)

// Config holds Redis connection configuration
type Config struct {
	Addr         string        `json:"addr" env:"REWARDKIT_REDIS_ADDR"`
	Password     string        `json:"password,omitempty"`
	DB           int           `json:"db" env:"REWARDKIT_REDIS_DB"`
	PoolSize     int           `json:"pool_size" env:"REWARDKIT_REDIS_POOL_SIZE"`
	MinIdleConns int           `json:"min_idle_conns" env:"REWARDKIT_REDIS_MIN_IDLE_CONNS"`
	DialTimeout  time.Duration `json:"dial_timeout" env:"REWARDKIT_REDIS_DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `json:"read_timeout" env:"REWARDKIT_REDIS_READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout" env:"REWARDKIT_REDIS_WRITE_TIMEOUT"`
}

// DefaultConfig returns sensible defaults for Redis configuration
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Store implements engine.Storage on Redis.
// Data structure:
// - games -> set of game ids
// - game:{id} -> JSON game definition (awarded counts are not stored here)
// - game:{id}:limits -> hash reward_id -> limit
// - game:{id}:awarded -> hash reward_id -> awarded count
// - play:{id} -> JSON play
// - plays:user:{user} -> zset of play ids scored by play time (ms)
// - plays:user:{user}:game:{game} -> same, restricted to one game
type Store struct {
	client *redis.Client
	now    func() time.Time
}

// New creates a new Redis-backed storage with the provided configuration
func New(config Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Store{client: client, now: time.Now}, nil
}

// NewWithClient creates a Store using an existing Redis client (useful for testing)
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client, now: time.Now}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

const gamesKey = "games"

func gameKey(id core.GameID) string        { return fmt.Sprintf("game:%s", id) }
func gameLimitsKey(id core.GameID) string  { return fmt.Sprintf("game:%s:limits", id) }
func gameAwardedKey(id core.GameID) string { return fmt.Sprintf("game:%s:awarded", id) }
func playKey(id core.PlayID) string        { return fmt.Sprintf("play:%s", id) }
func userPlaysKey(u core.UserID) string    { return fmt.Sprintf("plays:user:%s", u) }

func userGamePlaysKey(u core.UserID, g core.GameID) string {
	return fmt.Sprintf("plays:user:%s:game:%s", u, g)
}

// Claims one unit of a slot when the stored limit still matches and the slot is not exhausted.
var incrementAwardScript = redis.NewScript(`
	local limit = redis.call('HGET', KEYS[1], ARGV[1])
	if not limit then
		return 0
	end
	limit = tonumber(limit)
	if limit ~= tonumber(ARGV[2]) then
		return 0
	end
	local awarded = tonumber(redis.call('HGET', KEYS[2], ARGV[1]) or '0')
	if limit > 0 and awarded >= limit then
		return 0
	end
	redis.call('HINCRBY', KEYS[2], ARGV[1], 1)
	return 1
`)

// Stores a definition and its slot limits unless a kept slot has already
// awarded more than its new limit; that slot id is returned and nothing is written.
// ARGV: data, game id, slot count, then (slot, limit, awarded) per slot, then stale slots.
var saveGameScript = redis.NewScript(`
	local n = tonumber(ARGV[3])
	for i = 0, n - 1 do
		local slot = ARGV[4 + 3 * i]
		local limit = tonumber(ARGV[5 + 3 * i])
		local awarded = redis.call('HGET', KEYS[4], slot)
		if awarded and limit > 0 and tonumber(awarded) > limit then
			return slot
		end
	end
	redis.call('SET', KEYS[1], ARGV[1])
	redis.call('SADD', KEYS[2], ARGV[2])
	for i = 4 + 3 * n, #ARGV do
		redis.call('HDEL', KEYS[3], ARGV[i])
		redis.call('HDEL', KEYS[4], ARGV[i])
	end
	for i = 0, n - 1 do
		local slot = ARGV[4 + 3 * i]
		redis.call('HSET', KEYS[3], slot, ARGV[5 + 3 * i])
		redis.call('HSETNX', KEYS[4], slot, ARGV[6 + 3 * i])
	end
	return ''
`)

// Releases one unit, never going below zero. Returns -1 for an unknown game.
var decrementAwardScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return -1
	end
	local awarded = tonumber(redis.call('HGET', KEYS[2], ARGV[1]) or '0')
	if awarded > 0 then
		return redis.call('HINCRBY', KEYS[2], ARGV[1], -1)
	end
	return 0
`)

func (s *Store) FindGame(ctx context.Context, id core.GameID) (core.Game, error) {
	data, err := s.client.Get(ctx, gameKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.Game{}, core.ErrGameNotFound
	}
	if err != nil {
		return core.Game{}, fmt.Errorf("failed to load game: %w", err)
	}
	var g core.Game
	if err := json.Unmarshal(data, &g); err != nil {
		return core.Game{}, fmt.Errorf("failed to decode game %s: %w", id, err)
	}
	awarded, err := s.client.HGetAll(ctx, gameAwardedKey(id)).Result()
	if err != nil {
		return core.Game{}, fmt.Errorf("failed to load award counters: %w", err)
	}
	for i := range g.Rewards {
		g.Rewards[i].Awarded = 0
		if v, ok := awarded[string(g.Rewards[i].ID)]; ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return core.Game{}, fmt.Errorf("bad award counter for %s/%s: %w", id, g.Rewards[i].ID, err)
			}
			g.Rewards[i].Awarded = n
		}
	}
	return g, nil
}

func (s *Store) ListGames(ctx context.Context) ([]core.Game, error) {
	ids, err := s.client.SMembers(ctx, gamesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list games: %w", err)
	}
	sort.Strings(ids)
	out := make([]core.Game, 0, len(ids))
	for _, id := range ids {
		g, err := s.FindGame(ctx, core.GameID(id))
		if errors.Is(err, core.ErrGameNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// SaveGame upserts the definition. Counters of existing slots are left untouched;
// new slots start at the Awarded value given in g.
func (s *Store) SaveGame(ctx context.Context, g core.Game) error {
	if err := g.Validate(); err != nil {
		return err
	}
	g = g.Clone()
	now := s.now().UTC()
	g.CreatedAt, g.UpdatedAt = now, now
	if existing, err := s.FindGame(ctx, g.ID); err == nil {
		g.CreatedAt = existing.CreatedAt
	} else if !errors.Is(err, core.ErrGameNotFound) {
		return err
	}

	staleSlots, err := s.client.HKeys(ctx, gameLimitsKey(g.ID)).Result()
	if err != nil {
		return fmt.Errorf("failed to read slot limits: %w", err)
	}
	keep := make(map[string]struct{}, len(g.Rewards))
	for _, r := range g.Rewards {
		keep[string(r.ID)] = struct{}{}
	}

	def := g.Clone()
	for i := range def.Rewards {
		def.Rewards[i].Awarded = 0
	}
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode game: %w", err)
	}

	args := []any{data, string(g.ID), len(g.Rewards)}
	for _, r := range g.Rewards {
		args = append(args, string(r.ID), r.Limit, r.Awarded)
	}
	for _, slot := range staleSlots {
		if _, ok := keep[slot]; !ok {
			args = append(args, slot)
		}
	}
	rejected, err := saveGameScript.Run(ctx, s.client,
		[]string{gameKey(g.ID), gamesKey, gameLimitsKey(g.ID), gameAwardedKey(g.ID)}, args...).Text()
	if err != nil {
		return fmt.Errorf("failed to save game: %w", err)
	}
	if rejected != "" {
		return fmt.Errorf("%w: rewards %q limit is below its awarded count", core.ErrInvalidGame, rejected)
	}
	return nil
}

func (s *Store) ConditionalIncrementAward(ctx context.Context, id core.GameID, slot core.RewardID, expectedLimit int64) (bool, error) {
	res, err := incrementAwardScript.Run(ctx, s.client,
		[]string{gameLimitsKey(id), gameAwardedKey(id)}, string(slot), expectedLimit).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to increment award: %w", err)
	}
	return res == 1, nil
}

func (s *Store) DecrementAward(ctx context.Context, id core.GameID, slot core.RewardID) error {
	res, err := decrementAwardScript.Run(ctx, s.client,
		[]string{gameKey(id), gameAwardedKey(id)}, string(slot)).Int64()
	if err != nil {
		return fmt.Errorf("failed to decrement award: %w", err)
	}
	if res < 0 {
		return core.ErrGameNotFound
	}
	return nil
}

func (s *Store) InsertPlay(ctx context.Context, p core.Play) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode play: %w", err)
	}
	member := redis.Z{Score: float64(p.PlayDate.UnixMilli()), Member: string(p.ID)}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, playKey(p.ID), data, 0)
		pipe.ZAdd(ctx, userPlaysKey(p.UserID), member)
		pipe.ZAdd(ctx, userGamePlaysKey(p.UserID, p.GameID), member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record play: %w", err)
	}
	return nil
}

func (s *Store) CountPlays(ctx context.Context, user core.UserID, game core.GameID, since *time.Time) (int64, error) {
	lo := "-inf"
	if since != nil {
		lo = strconv.FormatInt(since.UnixMilli(), 10)
	}
	n, err := s.client.ZCount(ctx, userGamePlaysKey(user, game), lo, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count plays: %w", err)
	}
	return n, nil
}

func (s *Store) ListPlays(ctx context.Context, user core.UserID, offset, limit int) ([]core.Play, int64, error) {
	if offset < 0 {
		return nil, 0, core.ErrNegativeOffset
	}
	key := userPlaysKey(user)
	total, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count plays: %w", err)
	}
	if int64(offset) >= total {
		return []core.Play{}, total, nil
	}
	stop := int64(-1)
	if limit > 0 && int64(limit) < total-int64(offset) {
		stop = int64(offset) + int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, key, int64(offset), stop).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list plays: %w", err)
	}
	if len(ids) == 0 {
		return []core.Play{}, total, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = playKey(core.PlayID(id))
	}
	raw, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load plays: %w", err)
	}
	plays := make([]core.Play, 0, len(raw))
	for i, v := range raw {
		str, ok := v.(string)
		if !ok {
			continue // index entry without a record
		}
		var p core.Play
		if err := json.Unmarshal([]byte(str), &p); err != nil {
			return nil, 0, fmt.Errorf("failed to decode play %s: %w", ids[i], err)
		}
		plays = append(plays, p)
	}
	return plays, total, nil
}
