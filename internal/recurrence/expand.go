// Package recurrence turns a task's recurrence rule into concrete calendar
// occurrences inside a query window.
package recurrence

import (
	"strings"
	"time"

	"taskboard/internal/domain"
)

const (
	occurrenceLength = time.Hour
	maxInterval      = 365
	// maxOccurrences bounds a single expansion so a very wide window on a
	// daily rule cannot produce an unbounded slice.
	maxOccurrences = 5000
)

var weekdayTags = map[string]time.Weekday{
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
	"sun": time.Sunday,
}

// Expand returns the occurrences of task that start within [from, to] and not
// after the rule's end. It is pure: the same inputs always give the same
// result. Tasks without a due date or with an unrecognized rule type yield
// nothing.
func Expand(task domain.Task, from, to time.Time) []domain.Occurrence {
	if task.DueDate == nil || to.Before(from) {
		return nil
	}
	due := *task.DueDate
	rule := task.Recurrence
	limit := to
	if rule.EndAt != nil && rule.EndAt.Before(limit) {
		limit = *rule.EndAt
	}

	var starts []time.Time
	switch rule.Type {
	case "", domain.RecurrenceNone:
		if !due.Before(from) && !due.After(limit) {
			starts = []time.Time{due}
		}
	case domain.RecurrenceDaily:
		starts = daily(due, interval(rule), from, limit)
	case domain.RecurrenceWeekly:
		starts = weekly(due, interval(rule), weekdays(rule, due), from, limit)
	case domain.RecurrenceMonthly:
		starts = monthly(due, interval(rule), rule, from, limit)
	default:
		return nil
	}

	out := make([]domain.Occurrence, 0, len(starts))
	for _, s := range starts {
		out = append(out, domain.Occurrence{
			TaskID:         task.ID,
			Title:          task.Title,
			Start:          s,
			End:            s.Add(occurrenceLength),
			Status:         task.Status,
			ReviewStatus:   task.ReviewStatus,
			Archived:       task.Archived,
			RecurrenceType: ruleType(rule),
			Recurring:      rule.Recurring(),
		})
	}
	return out
}

func ruleType(r domain.RecurrenceRule) string {
	if r.Type == "" {
		return domain.RecurrenceNone
	}
	return r.Type
}

func interval(r domain.RecurrenceRule) int {
	switch {
	case r.Interval < 1:
		return 1
	case r.Interval > maxInterval:
		return maxInterval
	}
	return r.Interval
}

func daily(due time.Time, every int, from, limit time.Time) []time.Time {
	var out []time.Time
	// Skip whole steps that end before the window instead of walking them.
	step := 0
	if gap := daysBetween(due, from); gap > every {
		step = (gap/every - 1) * every
	}
	for ; len(out) < maxOccurrences; step += every {
		t := due.AddDate(0, 0, step)
		if t.After(limit) {
			break
		}
		if !t.Before(from) {
			out = append(out, t)
		}
	}
	return out
}

func weekly(due time.Time, every int, days []time.Weekday, from, limit time.Time) []time.Time {
	var out []time.Time
	weekStart := startOfWeek(due)
	span := 7 * every
	if gap := daysBetween(weekStart, from); gap > span {
		weekStart = weekStart.AddDate(0, 0, (gap/span-1)*span)
	}
	for ; len(out) < maxOccurrences; weekStart = weekStart.AddDate(0, 0, span) {
		if weekStart.After(limit) {
			break
		}
		for _, wd := range days {
			t := weekStart.AddDate(0, 0, mondayOffset(wd))
			if t.Before(due) || t.Before(from) || t.After(limit) {
				continue
			}
			out = append(out, t)
		}
	}
	return out
}

func monthly(due time.Time, every int, rule domain.RecurrenceRule, from, limit time.Time) []time.Time {
	var out []time.Time
	hh, mm, ss := due.Clock()
	for m := 0; len(out) < maxOccurrences; m += every {
		first := time.Date(due.Year(), due.Month()+time.Month(m), 1, hh, mm, ss, due.Nanosecond(), due.Location())
		if first.After(limit) {
			break
		}
		var day int
		if rule.MonthlyMode == domain.MonthlyLastBusinessDay {
			day = lastBusinessDay(first)
		} else {
			want := rule.DayOfMonth
			if want < 1 || want > 31 {
				want = due.Day()
			}
			day = min(want, daysIn(first))
		}
		t := first.AddDate(0, 0, day-1)
		if t.Before(due) || t.Before(from) || t.After(limit) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// weekdays resolves the rule's weekday tags in Monday-first order, falling
// back to the due date's own weekday.
func weekdays(r domain.RecurrenceRule, due time.Time) []time.Weekday {
	set := map[time.Weekday]bool{}
	for _, tag := range r.Weekdays {
		if wd, ok := weekdayTags[strings.ToLower(strings.TrimSpace(tag))]; ok {
			set[wd] = true
		}
	}
	if len(set) == 0 {
		return []time.Weekday{due.Weekday()}
	}
	out := make([]time.Weekday, 0, len(set))
	for _, wd := range []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday, time.Saturday, time.Sunday} {
		if set[wd] {
			out = append(out, wd)
		}
	}
	return out
}

func mondayOffset(wd time.Weekday) int {
	return (int(wd) + 6) % 7
}

// startOfWeek returns the Monday of t's week, keeping t's time of day.
func startOfWeek(t time.Time) time.Time {
	return t.AddDate(0, 0, -mondayOffset(t.Weekday()))
}

func daysIn(first time.Time) int {
	return time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// lastBusinessDay returns the day-of-month of the last weekday in first's month.
func lastBusinessDay(first time.Time) int {
	last := time.Date(first.Year(), first.Month()+1, 0, 0, 0, 0, 0, time.UTC)
	for last.Weekday() == time.Saturday || last.Weekday() == time.Sunday {
		last = last.AddDate(0, 0, -1)
	}
	return last.Day()
}

func daysBetween(a, b time.Time) int {
	if !b.After(a) {
		return 0
	}
	return int(b.Sub(a) / (24 * time.Hour))
}
