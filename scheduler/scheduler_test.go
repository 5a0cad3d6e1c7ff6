package scheduler

import (
	"math/rand"
	"testing"
	"time"

	"github.com/coldpath/sequencer/models"
)

func amount(n int) *int        { return &n }
func unit(u string) *string    { return &u }

func TestCompute_ImmediateNoBusinessHours(t *testing.T) {
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	step := &models.SequenceStep{StepType: models.StepTypeManualEmail, Timing: models.StepTimingImmediate}

	got := Compute(now, step, nil, Options{})
	if !got.Equal(now) {
		t.Fatalf("expected immediate send at now (%v), got %v", now, got)
	}
}

func TestCompute_DelayOutsideBusinessHoursLandsInWindow(t *testing.T) {
	// Monday 16:30 UTC, 2-day delay, Mon-Fri 09:00-17:00 UTC business hours.
	now := time.Date(2026, 1, 5, 16, 30, 0, 0, time.UTC) // a Monday
	step := &models.SequenceStep{
		StepType:    models.StepTypeManualEmail,
		Timing:      models.StepTimingDelay,
		DelayAmount: amount(2),
		DelayUnit:   unit(models.DelayUnitDays),
	}
	bh := &models.BusinessHours{
		Timezone:       "UTC",
		WorkDays:       []int{1, 2, 3, 4, 5},
		WorkHoursStart: "09:00",
		WorkHoursEnd:   "17:00",
	}

	got := Compute(now, step, bh, Options{Rand: rand.New(rand.NewSource(1))})

	if got.Weekday() != time.Wednesday {
		t.Fatalf("expected Wednesday, got %v (%v)", got.Weekday(), got)
	}
	minuteOfDay := got.Hour()*60 + got.Minute()
	if minuteOfDay < 9*60 || minuteOfDay >= 17*60 {
		t.Fatalf("expected time within 09:00-17:00 UTC, got %v", got)
	}
}

func TestCompute_SkipsHolidayAndWeekend(t *testing.T) {
	// Friday 18:00 UTC, immediate but outside hours -> should skip weekend.
	now := time.Date(2026, 1, 9, 18, 0, 0, 0, time.UTC) // Friday
	step := &models.SequenceStep{StepType: models.StepTypeManualEmail, Timing: models.StepTimingImmediate}
	bh := &models.BusinessHours{
		Timezone:       "UTC",
		WorkDays:       []int{1, 2, 3, 4, 5},
		WorkHoursStart: "09:00",
		WorkHoursEnd:   "17:00",
		Holidays: []models.Holiday{
			{Date: time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)}, // Monday holiday
		},
	}

	got := Compute(now, step, bh, Options{Rand: rand.New(rand.NewSource(2))})

	if got.Weekday() != time.Tuesday {
		t.Fatalf("expected Tuesday (Monday is a holiday), got %v (%v)", got.Weekday(), got)
	}
}

func TestCompute_DemoCapsDelayAndSkipsBusinessHours(t *testing.T) {
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	step := &models.SequenceStep{
		StepType:    models.StepTypeManualEmail,
		Timing:      models.StepTimingDelay,
		DelayAmount: amount(30),
		DelayUnit:   unit(models.DelayUnitDays),
	}
	bh := &models.BusinessHours{
		Timezone: "UTC", WorkDays: []int{1, 2, 3, 4, 5},
		WorkHoursStart: "09:00", WorkHoursEnd: "17:00",
	}

	got := Compute(now, step, bh, Options{Demo: true})

	if got.After(now.Add(8 * time.Hour)) {
		t.Fatalf("expected delay capped at 8h in demo mode, got %v after %v", got, now)
	}
}

func TestCompute_RateWindowDefersOnMinuteCap(t *testing.T) {
	now := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	step := &models.SequenceStep{StepType: models.StepTypeManualEmail, Timing: models.StepTimingImmediate}
	bh := &models.BusinessHours{
		Timezone: "UTC", WorkDays: []int{0, 1, 2, 3, 4, 5, 6},
		WorkHoursStart: "00:00", WorkHoursEnd: "23:59",
	}

	calls := 0
	rw := func(candidate time.Time) RateWindowCounts {
		calls++
		if calls == 1 {
			return RateWindowCounts{MinuteCount: MaxEmailsPerMinute}
		}
		return RateWindowCounts{}
	}

	got := Compute(now, step, bh, Options{Rand: rand.New(rand.NewSource(3)), RateWindow: rw})

	if calls < 2 {
		t.Fatalf("expected rate window to be consulted at least twice, got %d", calls)
	}
	if got.Equal(now) {
		t.Fatalf("expected jitter to move the candidate off the saturated minute")
	}
}

func TestCompute_NeverPanics(t *testing.T) {
	bh := &models.BusinessHours{Timezone: "not/a/zone", WorkHoursStart: "bad", WorkHoursEnd: "worse"}
	step := &models.SequenceStep{StepType: models.StepTypeManualEmail, Timing: models.StepTimingImmediate}
	now := time.Now().UTC()

	got := Compute(now, step, bh, Options{})
	if got.Before(now) {
		t.Fatalf("fallback should be now+1h at worst, got %v before %v", got, now)
	}
}
