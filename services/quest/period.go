package quest

import (
	"time"
)

// PeriodKey buckets a point in time into the quest's period. Keys are stable
// YYYY-MM-DD identifiers: daily uses the UTC date, weekly the Monday of the
// ISO week, monthly the first of the month. Special quests never roll over,
// so they share one key.
func PeriodKey(periodType PeriodType, t time.Time) string {
	t = t.UTC()
	switch periodType {
	case PeriodWeekly:
		daysSinceMonday := (int(t.Weekday()) + 6) % 7
		return t.AddDate(0, 0, -daysSinceMonday).Format("2006-01-02")
	case PeriodMonthly:
		return t.Format("2006-01") + "-01"
	case PeriodSpecial:
		return "all-time"
	default:
		return t.Format("2006-01-02")
	}
}
