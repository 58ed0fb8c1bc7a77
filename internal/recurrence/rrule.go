package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/teambition/rrule-go"

	"github.com/hray3182/remindline/internal/models"
)

var isoWeekdays = map[int]rrule.Weekday{
	1: rrule.MO, 2: rrule.TU, 3: rrule.WE, 4: rrule.TH,
	5: rrule.FR, 6: rrule.SA, 7: rrule.SU,
}

// RRule renders spec as an RFC 5545 RRULE (without DTSTART). One-shot specs
// render as the empty string.
//
// Month-end clamping is expressed with BYSETPOS=-1 over the candidate days,
// so "monthly on the 31st" stays on the last day of shorter months like Next does.
func RRule(spec models.RepeatSpec, dueAt time.Time, loc *time.Location) (string, error) {
	if !spec.IsPeriodic() {
		return "", nil
	}
	if loc == nil {
		loc = time.UTC
	}
	local := dueAt.In(loc)

	opt := rrule.ROption{
		Interval: 1,
		Dtstart:  local,
	}
	switch spec.Kind {
	case models.RepeatMinutes:
		opt.Freq = rrule.MINUTELY
		opt.Interval = step(spec.Interval)
	case models.RepeatHours:
		opt.Freq = rrule.HOURLY
		opt.Interval = step(spec.Interval)
	case models.RepeatDaily:
		opt.Freq = rrule.DAILY
	case models.RepeatWeekly:
		opt.Freq = rrule.WEEKLY
		if wd, ok := isoWeekdays[spec.Interval]; ok {
			opt.Byweekday = []rrule.Weekday{wd}
		}
	case models.RepeatMonthly:
		opt.Freq = rrule.MONTHLY
		day := spec.Interval
		if day <= 0 {
			day = local.Day()
		}
		opt.Bymonthday, opt.Bysetpos = clampDays(day)
	case models.RepeatYearly:
		opt.Freq = rrule.YEARLY
		opt.Bymonth = []int{int(local.Month())}
		opt.Bymonthday, opt.Bysetpos = clampDays(local.Day())
	default:
		return "", errors.Wrapf(models.ErrInvalidRepeat, "unknown kind %q", spec.Kind)
	}
	if spec.EndAt != nil {
		opt.Until = spec.EndAt.In(loc)
	}

	rule, err := rrule.NewRRule(opt)
	if err != nil {
		return "", errors.Wrap(err, "build rrule")
	}
	return rule.OrigOptions.RRuleString(), nil
}

func clampDays(day int) ([]int, []int) {
	if day <= 28 {
		return []int{day}, nil
	}
	days := make([]int, 0, day-27)
	for d := 28; d <= day; d++ {
		days = append(days, d)
	}
	return days, []int{-1}
}

var chineseWeekdays = map[int]string{
	1: "一", 2: "二", 3: "三", 4: "四", 5: "五", 6: "六", 7: "日",
}

// Describe returns the user-facing description of spec.
func Describe(spec models.RepeatSpec) string {
	var result strings.Builder

	switch spec.Kind {
	case models.RepeatMinutes:
		if step(spec.Interval) == 1 {
			result.WriteString("每分鐘")
		} else {
			result.WriteString(fmt.Sprintf("每 %d 分鐘", spec.Interval))
		}
	case models.RepeatHours:
		if step(spec.Interval) == 1 {
			result.WriteString("每小時")
		} else {
			result.WriteString(fmt.Sprintf("每 %d 小時", spec.Interval))
		}
	case models.RepeatDaily:
		result.WriteString("每天")
	case models.RepeatWeekly:
		result.WriteString("每週")
		if d, ok := chineseWeekdays[spec.Interval]; ok {
			result.WriteString(d)
		}
	case models.RepeatMonthly:
		result.WriteString("每月")
		if spec.Interval > 0 {
			result.WriteString(fmt.Sprintf(" %d 號", spec.Interval))
		}
	case models.RepeatYearly:
		result.WriteString("每年")
	default:
		return "一次性"
	}

	if spec.EndAt != nil {
		result.WriteString(fmt.Sprintf("，直到 %s", spec.EndAt.Format("2006-01-02")))
	}
	return result.String()
}
