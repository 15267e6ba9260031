package llm

import (
	"context"
	"sync"
	"time"
)

// RateLimiter 按 (base_url, model) 维度限制最小调用间隔。
// 单个进程级互斥锁守护时间戳表, 间隔 <=0 时完全跳过。
type RateLimiter struct {
	mu          sync.Mutex
	minInterval time.Duration
	lastCall    map[string]time.Time
}

// NewRateLimiter 创建限流器
func NewRateLimiter(minInterval time.Duration) *RateLimiter {
	return &RateLimiter{
		minInterval: minInterval,
		lastCall:    make(map[string]time.Time),
	}
}

// Wait 必要时阻塞到距上次调用满 minInterval, 取消时返回 ctx 错误
func (l *RateLimiter) Wait(ctx context.Context, key string) error {
	if l == nil || l.minInterval <= 0 {
		return nil
	}

	l.mu.Lock()
	now := time.Now()
	wait := time.Duration(0)
	if last, ok := l.lastCall[key]; ok {
		if elapsed := now.Sub(last); elapsed < l.minInterval {
			wait = l.minInterval - elapsed
		}
	}
	l.lastCall[key] = now.Add(wait)
	l.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
