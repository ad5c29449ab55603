package cache

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// 本包封装了 Redis 客户端与消息历史子系统用到的缓存键：
// - 用户资料缓存：cim:profile:<userId>（记录组装时的昵称/头像读穿缓存）
// - 会话水位缓存：cim:lastseq:<talkId>（事件消费者维护的最新 sequence）
// 缓存不可用时调用方必须退化到直查数据库，而不是失败。
var (
	redisClient *redis.Client
)

func InitRedis(addr, pass string, db int) {
	redisClient = redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: pass,
		DB:       db,
	})
}

func Client() *redis.Client { return redisClient }

func ProfileKey(userID uint64) string { return fmt.Sprintf("cim:profile:%d", userID) }
func LastSeqKey(talkID uint64) string { return fmt.Sprintf("cim:lastseq:%d", talkID) }
