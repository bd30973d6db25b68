package api

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// loginClient 是登录保护用到的 Redis 命令子集。
type loginClient interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// loginVerdict 是登录前检查的结论。
type loginVerdict int

const (
	loginAllowed loginVerdict = iota
	loginRateLimited
	loginLocked
)

// loginGuard 按 分区+用户名 做限流与失败锁定。Redis 不可用时放行。
type loginGuard struct {
	client        loginClient
	ratePerHour   int
	lockThreshold int
	lockTTL       time.Duration
	now           func() time.Time
}

// loginPrincipal 区分不同分区的同名账号。
func loginPrincipal(role, username string) string {
	return role + ":" + strings.ToLower(strings.TrimSpace(username))
}

func (g *loginGuard) check(ctx context.Context, ip, principal string) loginVerdict {
	rateKey := "rate:login:" + ip + ":" + principal + ":" + g.now().UTC().Format("2006010215")
	if count, err := incrWithTTL(ctx, g.client, rateKey, time.Hour); err == nil && g.ratePerHour > 0 && count > int64(g.ratePerHour) {
		return loginRateLimited
	}
	if ttl, _ := g.client.TTL(ctx, "lock:login:"+principal).Result(); ttl > 0 {
		return loginLocked
	}
	return loginAllowed
}

// recordFailure 累计失败次数，达到阈值后锁定 lockTTL。
func (g *loginGuard) recordFailure(ctx context.Context, principal string) error {
	failKey := "lock:login:fail:" + principal
	count, err := incrWithTTL(ctx, g.client, failKey, g.lockTTL)
	if err != nil {
		return err
	}
	if g.lockThreshold > 0 && count >= int64(g.lockThreshold) {
		return g.client.Set(ctx, "lock:login:"+principal, "1", g.lockTTL).Err()
	}
	return nil
}

func (g *loginGuard) reset(ctx context.Context, principal string) {
	_ = g.client.Del(ctx, "lock:login:fail:"+principal).Err()
}

func incrWithTTL(ctx context.Context, client loginClient, key string, ttl time.Duration) (int64, error) {
	count, err := client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		_ = client.Expire(ctx, key, ttl).Err()
	}
	return count, nil
}
