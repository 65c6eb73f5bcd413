package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// ViewerRoster：谁正在看哪个文档。纯展示用途，与写租约/片段锁无关，丢失也不影响正确性。
type ViewerRoster interface {
	AddMember(ctx context.Context, docID, userID, username string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID, userID string) error
	AliveMembers(ctx context.Context, docID string) ([]Viewer, error)
	Documents(ctx context.Context) ([]string, error)
}

type Viewer struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// 具体实现：基于 redis 的 ViewerRoster；单机和集群客户端都可以
type redisRoster struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewRedisRoster(rdb redis.UniversalClient) ViewerRoster {
	return &redisRoster{rdb: rdb, now: time.Now}
}

// 清理过期成员，返回清理数量
// KEYS[1] = rosterKey(docID)
// KEYS[2] = namesKey(docID)
// ARGV[1] = now (unix seconds)
var pruneScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// AddMember 加入或续期都调用它
func (r *redisRoster) AddMember(ctx context.Context, docID, userID, username string, ttl time.Duration) error {
	tx := r.rdb.TxPipeline()
	// score 使用 expireAt（Unix 秒），表达逻辑 TTL
	expireAt := r.now().Add(ttl).Unix()
	tx.ZAdd(ctx, rosterKey(docID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(docID), userID, username)
	_, err := tx.Exec(ctx)
	if err != nil {
		return err
	}
	// 文档索引和房间键不在同一 slot，单独写
	return r.rdb.SAdd(ctx, docsKey(), docID).Err()
}

func (r *redisRoster) RemoveMember(ctx context.Context, docID, userID string) error {
	tx := r.rdb.TxPipeline()
	tx.ZRem(ctx, rosterKey(docID), userID)
	tx.HDel(ctx, namesKey(docID), userID)
	_, err := tx.Exec(ctx)
	return err
}

func (r *redisRoster) Documents(ctx context.Context) ([]string, error) {
	docs, err := r.rdb.SMembers(ctx, docsKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return docs, nil
}

func (r *redisRoster) AliveMembers(ctx context.Context, docID string) ([]Viewer, error) {
	// step1: 清理过期成员；约定 expireAt <= now 视为过期
	now := r.now().Unix()
	_, err := pruneScript.Run(ctx, r.rdb, []string{rosterKey(docID), namesKey(docID)}, now).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	// step2: 在线成员
	alive, err := r.rdb.ZRangeByScore(ctx, rosterKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(alive) == 0 {
		return nil, nil
	}

	// step3: 批量取名字
	names, err := r.rdb.HMGet(ctx, namesKey(docID), alive...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]Viewer, 0, len(alive))
	for i, uid := range alive {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		out = append(out, Viewer{UserID: uid, Username: name})
	}
	return out, nil
}
