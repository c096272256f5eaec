package accounts

import (
	"sort"
	"sync"
	"time"
)

// RegistrationLimiter is a sliding-window per-IP limiter placed in front of
// registration only. Steady-state API traffic uses the general limiter in
// internal/ratelimit; registration abuse is bursty and low-volume enough
// that an exact sliding window (rather than a token bucket) is affordable.
type RegistrationLimiter struct {
	mu         sync.Mutex
	hourCap    int
	dayCap     int
	byIP       map[string][]time.Time
	cleanupAt  time.Time
}

func NewRegistrationLimiter(hourCap, dayCap int) *RegistrationLimiter {
	return &RegistrationLimiter{
		hourCap: hourCap,
		dayCap:  dayCap,
		byIP:    make(map[string][]time.Time),
	}
}

// Allow records an attempt from ip and reports whether it is under both the
// hourly and daily caps.
func (l *RegistrationLimiter) Allow(ip string) bool {
	if ip == "" {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.cleanupAt) > 10*time.Minute {
		l.cleanup(now)
		l.cleanupAt = now
	}

	times := l.byIP[ip]
	times = trimOlderThan(times, now.Add(-24*time.Hour))

	hourCount := countSince(times, now.Add(-1*time.Hour))
	if hourCount >= l.hourCap || len(times) >= l.dayCap {
		l.byIP[ip] = times
		return false
	}

	times = append(times, now)
	l.byIP[ip] = times
	return true
}

func (l *RegistrationLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	for ip, times := range l.byIP {
		times = trimOlderThan(times, cutoff)
		if len(times) == 0 {
			delete(l.byIP, ip)
		} else {
			l.byIP[ip] = times
		}
	}
}

func trimOlderThan(times []time.Time, cutoff time.Time) []time.Time {
	idx := sort.Search(len(times), func(i int) bool { return times[i].After(cutoff) })
	return times[idx:]
}

func countSince(times []time.Time, since time.Time) int {
	idx := sort.Search(len(times), func(i int) bool { return times[i].After(since) })
	return len(times) - idx
}
