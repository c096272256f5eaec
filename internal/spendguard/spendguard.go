// Package spendguard implements the spending-limit circuit breaker: a
// rolling daily-spend check and a fixed hourly-velocity check, either of
// which can freeze an account's ability to open new escrows for a cooldown
// window.
package spendguard

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var freezeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "a2a_exchange",
	Subsystem: "spendguard",
	Name:      "freezes_total",
	Help:      "Number of accounts frozen by the spending-limit circuit breaker, by trigger.",
}, []string{"trigger"})

func init() {
	prometheus.MustRegister(freezeTotal)
}

// Limits carries the tunables evaluated on every escrow-creation attempt.
type Limits struct {
	DailySpendLimit      *int64
	HourlyVelocityLimit  int64
	SpendingWindowHours  int
	FreezeMinutes        int
}

// Verdict is the result of evaluating an account's recent spend against its
// limits.
type Verdict struct {
	Breached    bool
	Trigger     string // "daily_limit" or "hourly_velocity"
	FreezeUntil time.Time
}

// Evaluate checks a prospective new hold of newHold tokens against the
// account's daily spend (dailySpent, summed over SpendingWindowHours) and
// hourly spend (hourlySpent, summed over the trailing hour), in that
// order. Either check can trigger a freeze independently.
func Evaluate(now time.Time, newHold int64, dailySpent, hourlySpent int64, limits Limits) Verdict {
	if limits.DailySpendLimit != nil && dailySpent+newHold > *limits.DailySpendLimit {
		freezeTotal.WithLabelValues("daily_limit").Inc()
		return Verdict{Breached: true, Trigger: "daily_limit", FreezeUntil: now.Add(time.Duration(limits.FreezeMinutes) * time.Minute)}
	}
	if limits.HourlyVelocityLimit > 0 && hourlySpent+newHold > limits.HourlyVelocityLimit {
		freezeTotal.WithLabelValues("hourly_velocity").Inc()
		return Verdict{Breached: true, Trigger: "hourly_velocity", FreezeUntil: now.Add(time.Duration(limits.FreezeMinutes) * time.Minute)}
	}
	return Verdict{}
}

// IsFrozen reports whether frozenUntil (possibly nil) still holds as of
// now.
func IsFrozen(frozenUntil *time.Time, now time.Time) bool {
	return frozenUntil != nil && frozenUntil.After(now)
}
