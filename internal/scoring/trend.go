package scoring

import (
	"strings"

	"github.com/hpungsan/casegate/internal/cases"
)

// Trend compares frustration in the recent window against everything
// before it. The window ends at the newest message, not the wall clock.
func (e *Engine) Trend(msgs []cases.Message) cases.Trend {
	var newest int64
	for _, m := range msgs {
		if m.Timestamp > newest {
			newest = m.Timestamp
		}
	}
	cutoff := newest - int64(e.trend.WindowDays)*secondsPerDay

	var recentSum, histSum, recentN, histN int
	for _, m := range msgs {
		if !m.Scored() {
			continue
		}
		if m.Timestamp >= cutoff {
			recentSum += clampScore(m.Score())
			recentN++
		} else {
			histSum += clampScore(m.Score())
			histN++
		}
	}

	t := cases.Trend{Direction: cases.TrendStable, RecentN: recentN}
	if recentN == 0 {
		return t
	}
	t.Recent = round2(float64(recentSum) / float64(recentN))
	t.Historical = t.Recent
	if histN > 0 {
		t.Historical = round2(float64(histSum) / float64(histN))
	}

	switch {
	case t.Recent > t.Historical+e.trend.Threshold:
		t.Direction = cases.TrendDeclining
	case t.Recent < t.Historical-e.trend.Threshold:
		t.Direction = cases.TrendImproving
	}
	return t
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
