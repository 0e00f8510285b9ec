package common

import (
	"sync"
	"time"
)

// RateLimiter ограничивает число запросов субъекта в скользящем окне.
// Ключ без событий в окне удаляется, так что память ограничена числом
// субъектов, активных за последнее окно.
type RateLimiter struct {
	mu        sync.Mutex
	limit     int
	window    time.Duration
	now       func() time.Time
	events    map[string][]time.Time
	lastSweep time.Time
}

// NewRateLimiter создает limiter: не более limit событий за window.
// now == nil означает time.Now.
func NewRateLimiter(limit int, window time.Duration, now func() time.Time) *RateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		now:    now,
		events: make(map[string][]time.Time),
	}
}

// Allow учитывает запрос key и сообщает, укладывается ли он в лимит.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	// Раз в окно выметаем ключи, которые больше не приходили.
	if now.Sub(l.lastSweep) >= l.window {
		l.sweep(cutoff)
		l.lastSweep = now
	}

	kept := inWindow(l.events[key], cutoff)
	if len(kept) >= l.limit {
		l.events[key] = kept
		return false
	}
	l.events[key] = append(kept, now)
	return true
}

// Keys возвращает число отслеживаемых субъектов.
func (l *RateLimiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func (l *RateLimiter) sweep(cutoff time.Time) {
	for key, items := range l.events {
		kept := inWindow(items, cutoff)
		if len(kept) == 0 {
			delete(l.events, key)
			continue
		}
		l.events[key] = kept
	}
}

// inWindow отбрасывает события не позже cutoff; события упорядочены по времени.
func inWindow(items []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(items) && !items[i].After(cutoff) {
		i++
	}
	return items[i:]
}
