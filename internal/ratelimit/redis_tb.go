package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucketLimiter 基于 Redis 的令牌桶限流，用于消息读写接口：
// - 两个键：令牌数与上次补充时间，Lua 脚本内原子更新
// - 键过期时间取桶注满时长的两倍，空闲用户的桶自动回收
// - Allow 出错时采取“失败即放行”策略，限流层异常不阻塞消息接口
type TokenBucketLimiter struct {
	client *redis.Client
}

func NewTokenBucketLimiter(c *redis.Client) *TokenBucketLimiter {
	return &TokenBucketLimiter{client: c}
}

// MessageKey 消息接口的限流维度：按用户。
func MessageKey(userID uint64) string {
	return fmt.Sprintf("cim:rl:msg:%d", userID)
}

var tokenBucketScript = redis.NewScript(`
local tokens_key = KEYS[1]
local ts_key = KEYS[2]
local rate = tonumber(ARGV[1])        -- 每秒新增令牌
local burst = tonumber(ARGV[2])       -- 桶容量
local now_ms = tonumber(ARGV[3])      -- 当前时间毫秒
local ttl_ms = tonumber(ARGV[4])      -- 键过期毫秒

local tokens = tonumber(redis.call('GET', tokens_key))
if tokens == nil then tokens = burst end
local ts = tonumber(redis.call('GET', ts_key))
if ts == nil then ts = now_ms end

-- 补充令牌
local delta = math.max(0, now_ms - ts) / 1000.0
local new_tokens = math.min(burst, tokens + delta * rate)

local allowed = 0
if new_tokens >= 1 then
  allowed = 1
  new_tokens = new_tokens - 1
end

redis.call('SET', tokens_key, new_tokens, 'PX', ttl_ms)
redis.call('SET', ts_key, now_ms, 'PX', ttl_ms)

return {allowed, new_tokens}
`)

// Allow 尝试消耗一个令牌，返回 (allowed, remainingTokens)。
func (l *TokenBucketLimiter) Allow(ctx context.Context, key string, ratePerSec, burst int) (bool, int64, error) {
	if ratePerSec <= 0 {
		return true, 0, nil // 未配置限流
	}
	ttlMs := int64(burst) * 1000 * 2 / int64(ratePerSec)
	if ttlMs < 2000 {
		ttlMs = 2000
	}
	nowMs := time.Now().UnixMilli()
	vals, err := tokenBucketScript.Run(ctx, l.client, []string{key + ":t", key + ":ts"}, ratePerSec, burst, nowMs, ttlMs).Result()
	if err != nil {
		return true, 0, err // 出错时默认放行
	}
	arr := vals.([]interface{})
	allowed := arr[0].(int64) == 1
	rem := int64(0)
	switch v := arr[1].(type) {
	case int64:
		rem = v
	case float64:
		rem = int64(v)
	}
	return allowed, rem, nil
}
