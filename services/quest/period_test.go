package quest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPeriodKeyDaily(t *testing.T) {
	at := time.Date(2026, 8, 30, 23, 59, 0, 0, time.UTC)
	require.Equal(t, "2026-08-30", PeriodKey(PeriodDaily, at))
}

func TestPeriodKeyWeekly(t *testing.T) {
	// Monday and Sunday of the same ISO week share the Monday's date.
	monday := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	sunday := time.Date(2026, 8, 30, 23, 59, 59, 0, time.UTC)
	require.Equal(t, "2026-08-24", PeriodKey(PeriodWeekly, monday))
	require.Equal(t, "2026-08-24", PeriodKey(PeriodWeekly, sunday))

	// A week straddling the year boundary keys on the prior year's Monday.
	require.Equal(t, "2026-12-28", PeriodKey(PeriodWeekly, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestPeriodKeyMonthly(t *testing.T) {
	at := time.Date(2026, 2, 17, 10, 0, 0, 0, time.UTC)
	require.Equal(t, "2026-02-01", PeriodKey(PeriodMonthly, at))
}

func TestPeriodKeySpecialNeverRolls(t *testing.T) {
	a := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := time.Date(2027, 6, 15, 12, 0, 0, 0, time.UTC)
	require.Equal(t, PeriodKey(PeriodSpecial, a), PeriodKey(PeriodSpecial, b))
}

func TestPeriodKeyNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*3600)
	// 08:00 on the 31st in UTC+9 is still the 30th in UTC.
	at := time.Date(2026, 8, 31, 8, 0, 0, 0, loc)
	require.Equal(t, "2026-08-30", PeriodKey(PeriodDaily, at))
}
