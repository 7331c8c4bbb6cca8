package admission

import (
	"sync"
	"time"
)

// usageWindows tracks admitted-request counts and accumulated cost for the
// current hour and the current UTC day. Windows roll over lazily on access.
type usageWindows struct {
	mu sync.Mutex

	hourStart time.Time
	dayStart  time.Time

	hourCount int
	dayCount  int
	hourCost  float64
	dayCost   float64
}

func newUsageWindows(now time.Time) *usageWindows {
	u := &usageWindows{}
	u.hourStart = now.UTC().Truncate(time.Hour)
	u.dayStart = startOfDayUTC(now)
	return u
}

func startOfDayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// roll must be called with the lock held.
func (u *usageWindows) roll(now time.Time) {
	now = now.UTC()
	if hs := now.Truncate(time.Hour); hs.After(u.hourStart) {
		u.hourStart = hs
		u.hourCount = 0
		u.hourCost = 0
	}
	if ds := startOfDayUTC(now); ds.After(u.dayStart) {
		u.dayStart = ds
		u.dayCount = 0
		u.dayCost = 0
	}
}

// Admit records one admitted request and its estimated cost.
func (u *usageWindows) Admit(now time.Time, costUSD float64) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.roll(now)
	u.hourCount++
	u.dayCount++
	u.hourCost += costUSD
	u.dayCost += costUSD
}

// Counts returns the per-window admitted counts after rollover.
func (u *usageWindows) Counts(now time.Time) (hourly, daily int) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.roll(now)
	return u.hourCount, u.dayCount
}

// Costs returns the per-window accumulated cost after rollover.
func (u *usageWindows) Costs(now time.Time) (hourlyUSD, dailyUSD float64) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.roll(now)
	return u.hourCost, u.dayCost
}

// UntilNextHour reports the wait until the hourly window resets.
func (u *usageWindows) UntilNextHour(now time.Time) time.Duration {
	now = now.UTC()
	return now.Truncate(time.Hour).Add(time.Hour).Sub(now)
}

// UntilNextDay reports the wait until the daily window resets.
func (u *usageWindows) UntilNextDay(now time.Time) time.Duration {
	return startOfDayUTC(now).Add(24 * time.Hour).Sub(now.UTC())
}
