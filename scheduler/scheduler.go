// Package scheduler computes the next eligible send instant for a sequence
// step, respecting business hours, holidays, and rate-window distribution.
// It is a pure function of its inputs: no DB, no network, no wall clock
// reads other than the `now` it is handed.
package scheduler

import (
	"math/rand"
	"time"

	"github.com/coldpath/sequencer/models"
)

const (
	defaultWaitMinutes  = 30
	defaultDelayMinutes = 30
	demoMaxDelay        = 8 * time.Hour
	maxBusinessHoursTry = 14
	maxRateWindowTry    = 5

	// MaxEmailsPerMinute and MaxEmailsPerHour are the global distribution
	// caps step 6 defers against.
	MaxEmailsPerMinute = 50
	MaxEmailsPerHour   = 1000
	// DistributionWindowMinutes bounds the jitter added when a minute is
	// already saturated.
	DistributionWindowMinutes = 15
)

// RateWindowCounts reports how many rows are already scheduled around a
// candidate instant, so the scheduler can defer into a less crowded slot.
// Callers (the sweeper) fill this in with a DB query; scheduler.Compute
// never queries anything itself.
type RateWindowCounts struct {
	MinuteCount int
	HourCount   int
}

// RateWindowFunc looks up RateWindowCounts for a candidate instant.
type RateWindowFunc func(candidate time.Time) RateWindowCounts

// Options controls the parts of Compute that would otherwise reach for
// global state: the PRNG (for deterministic tests) and the demo/bypass
// flags.
type Options struct {
	// Rand supplies the PRNG used for intraday distribution and rate-window
	// jitter. Nil means rand.New(rand.NewSource(time.Now().UnixNano())) —
	// production callers should leave it nil; tests inject a seeded one.
	Rand *rand.Rand
	// Demo caps the base delay at 8 hours and skips business-hours
	// adjustment entirely.
	Demo bool
	// BypassBusinessHours skips business-hours adjustment without capping
	// the delay.
	BypassBusinessHours bool
	// RateWindow looks up how crowded a candidate minute/hour already is.
	// Nil disables step 6 entirely (used by callers with no DB, e.g. a
	// dry-run preview).
	RateWindow RateWindowFunc
}

func (o Options) rng() *rand.Rand {
	if o.Rand != nil {
		return o.Rand
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// Compute implements the algorithm. now must be in UTC. On any
// internal error (e.g. an unparseable business-hours window) it falls back
// to now+1h, matching its failure semantics, rather than returning
// an error the caller would have to invent a fallback for anyway.
func Compute(now time.Time, step *models.SequenceStep, bh *models.BusinessHours, opts Options) (result time.Time) {
	defer func() {
		// Compute never panics by construction, but business-hours parsing
		// touches user-supplied strings; a recovered panic yields the same
		// now+1h fallback.
		if r := recover(); r != nil {
			result = now.Add(time.Hour).UTC()
		}
	}()

	target := now.Add(baseDelay(step, opts.Demo)).UTC()

	if bh == nil || opts.Demo || opts.BypassBusinessHours {
		return target
	}

	target, ok := applyBusinessHours(target, bh, opts)
	if !ok {
		return now.Add(time.Hour).UTC()
	}

	target = applyRateWindow(target, bh, opts)

	return target.UTC()
}

// baseDelay implements step 1.
func baseDelay(step *models.SequenceStep, demo bool) time.Duration {
	var d time.Duration

	switch {
	case step == nil:
		d = defaultDelayMinutes * time.Minute
	case step.StepType == models.StepTypeWait:
		if step.DelayAmount != nil && step.DelayUnit != nil {
			d = unitDuration(*step.DelayAmount, *step.DelayUnit)
		} else {
			d = defaultWaitMinutes * time.Minute
		}
	case step.Timing == models.StepTimingImmediate:
		d = 0
	case step.Timing == models.StepTimingDelay && step.DelayAmount != nil:
		unit := models.DelayUnitMinutes
		if step.DelayUnit != nil {
			unit = *step.DelayUnit
		}
		d = unitDuration(*step.DelayAmount, unit)
	default:
		d = defaultDelayMinutes * time.Minute
	}

	if demo && d > demoMaxDelay {
		d = demoMaxDelay
	}
	return d
}

func unitDuration(amount int, unit string) time.Duration {
	switch unit {
	case models.DelayUnitHours:
		return time.Duration(amount) * time.Hour
	case models.DelayUnitDays:
		return time.Duration(amount) * 24 * time.Hour
	default:
		return time.Duration(amount) * time.Minute
	}
}

// applyBusinessHours implements steps 4-5: iterate the candidate forward
// into the next valid business window, applying intraday distribution once
// it lands inside one. ok is false if 14 iterations weren't enough to find
// a valid slot (a caller error, e.g. workDays is empty).
func applyBusinessHours(target time.Time, bh *models.BusinessHours, opts Options) (time.Time, bool) {
	loc, err := time.LoadLocation(bh.Timezone)
	if err != nil {
		loc = time.UTC
	}
	startH, startM, err1 := parseClock(bh.WorkHoursStart)
	endH, endM, err2 := parseClock(bh.WorkHoursEnd)
	if err1 != nil || err2 != nil {
		return time.Time{}, false
	}
	windowMinutes := (endH*60 + endM) - (startH*60 + startM)
	if windowMinutes <= 0 {
		return time.Time{}, false
	}

	local := target.In(loc)
	rng := opts.rng()

	for i := 0; i < maxBusinessHoursTry; i++ {
		if isValidBusinessInstant(local, bh, startH, startM, endH, endM) {
			return distributeIntraday(local, startH, startM, windowMinutes, rng).UTC(), true
		}
		local = nextBusinessDayStart(local, bh, startH, startM)
	}
	return time.Time{}, false
}

// isValidBusinessInstant checks holiday/workday/window membership for a
// local-time instant already inside its business-hours timezone.
func isValidBusinessInstant(local time.Time, bh *models.BusinessHours, startH, startM, endH, endM int) bool {
	if isHoliday(local, bh.Holidays) {
		return false
	}
	if !isWorkDay(local, bh.WorkDays) {
		return false
	}
	minuteOfDay := local.Hour()*60 + local.Minute()
	return minuteOfDay >= startH*60+startM && minuteOfDay < endH*60+endM
}

func isHoliday(local time.Time, holidays []models.Holiday) bool {
	y, m, d := local.Date()
	for _, h := range holidays {
		hy, hm, hd := h.Date.Date()
		if hy == y && hm == m && hd == d {
			return true
		}
	}
	return false
}

func isWorkDay(local time.Time, workDays []int) bool {
	wd := int(local.Weekday())
	for _, d := range workDays {
		if d == wd {
			return true
		}
	}
	return false
}

// nextBusinessDayStart advances to workHoursStart on the next day,
// regardless of whether that day turns out to be valid — the loop in
// applyBusinessHours re-checks validity on the next iteration.
func nextBusinessDayStart(local time.Time, bh *models.BusinessHours, startH, startM int) time.Time {
	next := time.Date(local.Year(), local.Month(), local.Day(), startH, startM, 0, 0, local.Location())
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// distributeIntraday adds a uniform-random minute offset within the
// business-day window so sends don't burst at exactly workHoursStart.
func distributeIntraday(local time.Time, startH, startM, windowMinutes int, rng *rand.Rand) time.Time {
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), startH, startM, 0, 0, local.Location())
	offset := rng.Intn(windowMinutes)
	candidate := dayStart.Add(time.Duration(offset) * time.Minute)
	if candidate.Before(local) {
		return local
	}
	return candidate
}

// applyRateWindow implements step 6. It never fails the whole computation:
// if it can't find a slot inside maxRateWindowTry attempts it just returns
// the last candidate, matching its "safe fallback" spirit while
// staying within business hours (unlike the top-level now+1h fallback,
// which can't guarantee that).
func applyRateWindow(target time.Time, bh *models.BusinessHours, opts Options) time.Time {
	if opts.RateWindow == nil {
		return target
	}
	rng := opts.rng()
	candidate := target

	for i := 0; i < maxRateWindowTry; i++ {
		counts := opts.RateWindow(candidate)
		if counts.MinuteCount < MaxEmailsPerMinute && counts.HourCount < MaxEmailsPerHour {
			return candidate
		}
		if counts.HourCount >= MaxEmailsPerHour {
			nextHour := candidate.Truncate(time.Hour).Add(time.Hour)
			candidate = nextHour.Add(time.Duration(rng.Intn(60)) * time.Minute)
		} else {
			jitter := rng.Intn(DistributionWindowMinutes)
			candidate = candidate.Add(time.Duration(jitter) * time.Minute)
		}
		if reAdjusted, ok := applyBusinessHours(candidate, bh, opts); ok {
			candidate = reAdjusted
		}
	}
	return candidate
}

func parseClock(hhmm string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}
