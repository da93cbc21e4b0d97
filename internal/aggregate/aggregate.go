// Package aggregate derives time-windowed metrics from a sale log.
// Every function is pure: the evaluation instant is passed in and its
// location defines the local wall clock used for day boundaries.
package aggregate

import (
	"time"

	"github.com/boddenberg/salescoach-bfa-go/internal/domain"
)

// Period is a reporting window ending now.
type Period string

const (
	PeriodToday Period = "today"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// Badge is awarded once lifetime value reaches Threshold.
type Badge struct {
	Name      string
	Threshold float64
}

// Badges are the lifetime thresholds, in ascending order.
var Badges = []Badge{
	{Name: "first-sale", Threshold: 1},
	{Name: "sales-10", Threshold: 10},
	{Name: "sales-25", Threshold: 25},
	{Name: "sales-50", Threshold: 50},
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// WindowStart returns the first instant of period p containing now.
// Weeks start on Monday, months on day 1.
func WindowStart(p Period, now time.Time) time.Time {
	today := startOfDay(now)
	switch p {
	case PeriodWeek:
		offset := (int(now.Weekday()) + 6) % 7
		return today.AddDate(0, 0, -offset)
	case PeriodMonth:
		y, m, _ := now.Date()
		return time.Date(y, m, 1, 0, 0, 0, 0, now.Location())
	default:
		return today
	}
}

// DaysElapsed counts the calendar days of p up to and including today.
// It is never below 1.
func DaysElapsed(p Period, now time.Time) int {
	switch p {
	case PeriodWeek:
		return (int(now.Weekday())+6)%7 + 1
	case PeriodMonth:
		return now.Day()
	default:
		return 1
	}
}

// SumForPeriod sums the value of every sale at or after the start of p.
func SumForPeriod(sales []domain.Sale, p Period, now time.Time) float64 {
	start := WindowStart(p, now)
	var total float64
	for _, s := range sales {
		if !s.Timestamp.Before(start) {
			total += s.Value
		}
	}
	return total
}

// AveragePerDay divides the period sum by the days elapsed so far.
func AveragePerDay(sales []domain.Sale, p Period, now time.Time) float64 {
	return SumForPeriod(sales, p, now) / float64(DaysElapsed(p, now))
}

// LifetimeValue sums every sale.
func LifetimeValue(sales []domain.Sale) float64 {
	var total float64
	for _, s := range sales {
		total += s.Value
	}
	return total
}

// Streak counts consecutive calendar days with at least one sale, walking
// back from today. A streak survives only if its last sale was today or
// yesterday.
func Streak(sales []domain.Sale, now time.Time) int {
	if len(sales) == 0 {
		return 0
	}
	loc := now.Location()
	days := make(map[time.Time]struct{}, len(sales))
	for _, s := range sales {
		days[startOfDay(s.Timestamp.In(loc))] = struct{}{}
	}

	day := startOfDay(now)
	if _, ok := days[day]; !ok {
		day = day.AddDate(0, 0, -1)
		if _, ok := days[day]; !ok {
			return 0
		}
	}

	streak := 0
	for {
		if _, ok := days[day]; !ok {
			return streak
		}
		streak++
		day = day.AddDate(0, 0, -1)
	}
}

// BadgesEarned returns current plus every badge whose threshold total has
// reached. Badges are never removed and the result does not depend on how
// many times it is computed.
func BadgesEarned(total float64, current []string) []string {
	out := make([]string, 0, len(current)+len(Badges))
	seen := make(map[string]struct{}, len(current)+len(Badges))
	for _, b := range current {
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		out = append(out, b)
	}
	for _, b := range Badges {
		if total < b.Threshold {
			break
		}
		if _, ok := seen[b.Name]; ok {
			continue
		}
		seen[b.Name] = struct{}{}
		out = append(out, b.Name)
	}
	return out
}

// NewBadges returns the badges in earned that are missing from current.
func NewBadges(current, earned []string) []string {
	have := make(map[string]struct{}, len(current))
	for _, b := range current {
		have[b] = struct{}{}
	}
	var added []string
	for _, b := range earned {
		if _, ok := have[b]; !ok {
			added = append(added, b)
		}
	}
	return added
}

// Compute builds the full aggregate snapshot of a sale log.
func Compute(sales []domain.Sale, badges []string, now time.Time) domain.Aggregates {
	lifetime := LifetimeValue(sales)
	return domain.Aggregates{
		TotalSalesToday:   SumForPeriod(sales, PeriodToday, now),
		TotalSalesWeek:    SumForPeriod(sales, PeriodWeek, now),
		TotalSalesMonth:   SumForPeriod(sales, PeriodMonth, now),
		AverageDailyWeek:  AveragePerDay(sales, PeriodWeek, now),
		AverageDailyMonth: AveragePerDay(sales, PeriodMonth, now),
		Streak:            Streak(sales, now),
		LifetimeValue:     lifetime,
		Badges:            BadgesEarned(lifetime, badges),
	}
}
