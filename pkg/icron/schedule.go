package icron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts standard five field expressions and descriptors like @daily.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type TriggerInfo struct {
	Next       time.Time
	Last       time.Time
	Expression string

	TimeSinceLast time.Duration
	TimeUntilNext time.Duration
}

func (t *TriggerInfo) String() string {
	if t.Last.IsZero() {
		return fmt.Sprintf("%q next at %s (in %s)", t.Expression, t.Next.Format(time.RFC3339), t.TimeUntilNext.Round(time.Second))
	}
	return fmt.Sprintf("%q next at %s (in %s), last at %s",
		t.Expression, t.Next.Format(time.RFC3339), t.TimeUntilNext.Round(time.Second), t.Last.Format(time.RFC3339))
}

func Parse(expr string) (cron.Schedule, error) {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// GetTriggerInfo reports the triggers of expr around refTime. Last is searched
// up to one year back and stays zero if none is found.
func GetTriggerInfo(expr string, refTime time.Time) (*TriggerInfo, error) {
	schedule, err := Parse(expr)
	if err != nil {
		return nil, err
	}

	info := &TriggerInfo{
		Expression: expr,
		Next:       schedule.Next(refTime),
	}
	info.TimeUntilNext = info.Next.Sub(refTime)

	for i := 1; i <= 366*24; i++ {
		candidate := schedule.Next(refTime.Add(-time.Duration(i) * time.Hour))
		if candidate.After(refTime) {
			continue
		}
		// Walk forward to the trigger closest to refTime.
		for {
			following := schedule.Next(candidate)
			if following.After(refTime) {
				break
			}
			candidate = following
		}
		info.Last = candidate
		info.TimeSinceLast = refTime.Sub(candidate)
		break
	}

	return info, nil
}
