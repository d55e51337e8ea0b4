package channel

import (
	"context"
	"sync"
	"time"
)

// sendLimiter is a token bucket shared by every outbound Telegram call.
// The Bot API allows about 30 messages per second per bot before it starts
// answering 429.
type sendLimiter struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastTime time.Time
}

func newSendLimiter(burst int, perSecond float64) *sendLimiter {
	if burst <= 0 {
		burst = 20
	}
	if perSecond <= 0 {
		perSecond = 25
	}
	return &sendLimiter{
		tokens:   float64(burst),
		max:      float64(burst),
		rate:     perSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a send may proceed or ctx is done.
func (l *sendLimiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		l.tokens += now.Sub(l.lastTime).Seconds() * l.rate
		if l.tokens > l.max {
			l.tokens = l.max
		}
		l.lastTime = now

		if l.tokens >= 1.0 {
			l.tokens -= 1.0
			l.mu.Unlock()
			return nil
		}

		wait := time.Duration((1.0 - l.tokens) / l.rate * float64(time.Second))
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
