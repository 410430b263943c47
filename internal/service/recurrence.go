package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ifuryst/postflow/internal/models"
)

// maxCoalesceSteps bounds the catch-up loop for jobs that were offline for a
// very long time relative to their period.
const maxCoalesceSteps = 100000

// validateRule checks a frequency and its optional cron pattern.
func validateRule(freq models.Frequency, pattern string) error {
	if !freq.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidFrequency, freq)
	}
	if freq == models.FrequencyCustom {
		if _, err := parsePattern(pattern); err != nil {
			return err
		}
	}
	return nil
}

func parsePattern(pattern string) (cron.Schedule, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, fmt.Errorf("%w: custom frequency needs a pattern", ErrInvalidPattern)
	}
	sched, err := cron.ParseStandard(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, pattern, err)
	}
	return sched, nil
}

// nextOccurrence returns the occurrence following prev.
func nextOccurrence(freq models.Frequency, pattern string, prev time.Time) (time.Time, error) {
	switch freq {
	case models.FrequencyDaily:
		return prev.AddDate(0, 0, 1), nil
	case models.FrequencyWeekly:
		return prev.AddDate(0, 0, 7), nil
	case models.FrequencyMonthly:
		return addMonthClamped(prev), nil
	case models.FrequencyCustom:
		sched, err := parsePattern(pattern)
		if err != nil {
			return time.Time{}, err
		}
		next := sched.Next(prev)
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("%w: %q never fires again", ErrInvalidPattern, pattern)
		}
		return next, nil
	default:
		return time.Time{}, fmt.Errorf("%w: %q does not recur", ErrInvalidFrequency, freq)
	}
}

// addMonthClamped moves t one calendar month ahead. Days past the end of the
// target month land on its last day, so Jan 31 becomes Feb 28 (or 29).
func addMonthClamped(t time.Time) time.Time {
	y, m, d := t.Date()
	firstOfTarget := time.Date(y, m+1, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()
	if d > lastDay {
		d = lastDay
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// advance computes the time a recurring job re-arms at after the occurrence
// at job.ScheduledTime. With coalesce set, occurrences that are already in
// the past relative to now are skipped. ok is false when the recurrence
// ended because the next time is past job.EndDate.
func advance(job *models.ScheduleJob, now time.Time, coalesce bool) (next time.Time, ok bool, err error) {
	next, err = nextOccurrence(job.Frequency, job.RecurrencePattern, job.ScheduledTime)
	if err != nil {
		return time.Time{}, false, err
	}
	if coalesce {
		for i := 0; !next.After(now) && i < maxCoalesceSteps; i++ {
			if job.EndDate != nil && next.After(*job.EndDate) {
				break
			}
			if next, err = nextOccurrence(job.Frequency, job.RecurrencePattern, next); err != nil {
				return time.Time{}, false, err
			}
		}
	}
	if job.EndDate != nil && next.After(*job.EndDate) {
		return time.Time{}, false, nil
	}
	return next, true, nil
}

// occurrencesBetween expands a job into its occurrences in [from, to],
// capped at limit.
func occurrencesBetween(job *models.ScheduleJob, from, to time.Time, limit int) []time.Time {
	var out []time.Time
	t := job.ScheduledTime
	for len(out) < limit && !t.After(to) {
		if job.EndDate != nil && t.After(*job.EndDate) {
			break
		}
		if !t.Before(from) {
			out = append(out, t)
		}
		if !job.Frequency.Recurring() {
			break
		}
		next, err := nextOccurrence(job.Frequency, job.RecurrencePattern, t)
		if err != nil || !next.After(t) {
			break
		}
		t = next
	}
	return out
}
