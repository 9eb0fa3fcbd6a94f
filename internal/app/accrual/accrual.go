// Package accrual turns an elapsed AFK window into coins, bounded by the
// daily cap. Everything here is pure: no clock reads, no I/O.
package accrual

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinhost/afkd/internal/domain"
)

var sixty = decimal.NewFromInt(60)

// Result is the outcome of one accrual step.
type Result struct {
	CoinsToCredit decimal.Decimal
	LimitReached  bool
}

// Compute returns the coins owed for elapsedSeconds at coinsPerMinute,
// clipped so that dailyEarned + CoinsToCredit never exceeds maxPerDay.
// The credit is truncated to the billable unit; no other layer rounds.
// Negative inputs count as zero.
func Compute(elapsedSeconds, coinsPerMinute, dailyEarned, maxPerDay decimal.Decimal) Result {
	elapsedSeconds = nonNegative(elapsedSeconds)
	coinsPerMinute = nonNegative(coinsPerMinute)
	dailyEarned = nonNegative(dailyEarned)
	maxPerDay = nonNegative(maxPerDay)

	raw := elapsedSeconds.Mul(coinsPerMinute).Div(sixty)

	remaining := maxPerDay.Sub(dailyEarned)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	credit := decimal.Min(raw, remaining).Truncate(domain.CoinPlaces)

	return Result{
		CoinsToCredit: credit,
		LimitReached:  dailyEarned.Add(credit).GreaterThanOrEqual(maxPerDay),
	}
}

// Seconds converts a duration to decimal seconds at millisecond resolution.
func Seconds(d time.Duration) decimal.Decimal {
	return decimal.New(d.Milliseconds(), -3)
}

// ClampGap bounds the creditable window of one heartbeat to [0, max].
func ClampGap(elapsed, max time.Duration) time.Duration {
	if elapsed < 0 {
		return 0
	}
	if max > 0 && elapsed > max {
		return max
	}
	return elapsed
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
