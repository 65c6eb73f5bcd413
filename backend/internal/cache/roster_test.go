package cache

import (
	"context"
	"os"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	addr := os.Getenv("FOLIO_TEST_REDIS")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available on %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRoster_AddListExpire(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()
	docID := "roster-test-" + time.Now().Format("150405.000000")
	t.Cleanup(func() {
		rdb.Del(ctx, rosterKey(docID), namesKey(docID))
		rdb.SRem(ctx, docsKey(), docID)
	})

	now := time.Now()
	r := &redisRoster{rdb: rdb, now: func() time.Time { return now }}

	require.NoError(t, r.AddMember(ctx, docID, "u1", "alice", time.Minute))
	require.NoError(t, r.AddMember(ctx, docID, "u2", "bob", time.Minute))

	members, err := r.AliveMembers(ctx, docID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Viewer{{"u1", "alice"}, {"u2", "bob"}}, members)

	docs, err := r.Documents(ctx)
	require.NoError(t, err)
	assert.Contains(t, docs, docID)

	require.NoError(t, r.RemoveMember(ctx, docID, "u2"))
	members, err = r.AliveMembers(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, []Viewer{{"u1", "alice"}}, members)

	// 时间前移越过 TTL，成员被清理，名字表一并删除
	now = now.Add(2 * time.Minute)
	members, err = r.AliveMembers(ctx, docID)
	require.NoError(t, err)
	assert.Empty(t, members)
	n, err := rdb.HLen(ctx, namesKey(docID)).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestKeys_ShareHashTag(t *testing.T) {
	assert.Equal(t, "folio:viewers:{docID:abc}", rosterKey("abc"))
	assert.Equal(t, "folio:viewers:names:{docID:abc}", namesKey("abc"))
}
