package models

import (
	"testing"
	"time"
)

func TestSequenceContact_IsActive_TerminalStatuses(t *testing.T) {
	terminal := []string{
		ContactStatusCompleted,
		ContactStatusOptedOut,
		ContactStatusReplied,
		ContactStatusBounced,
		ContactStatusFailed,
	}
	for _, status := range terminal {
		sc := &SequenceContact{Status: status}
		if sc.IsActive() {
			t.Errorf("expected status %q to be inactive", status)
		}
	}
}

func TestSequenceContact_IsActive_TrueForInFlightStatuses(t *testing.T) {
	inFlight := []string{ContactStatusNotSent, ContactStatusPending, ContactStatusScheduled, ContactStatusSent}
	for _, status := range inFlight {
		sc := &SequenceContact{Status: status}
		if !sc.IsActive() {
			t.Errorf("expected status %q to be active", status)
		}
	}
}

func TestSequenceContact_IsDue_FalseWhenTerminal(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	sc := &SequenceContact{Status: ContactStatusReplied, NextScheduledAt: &past}
	if sc.IsDue(time.Now()) {
		t.Fatalf("expected a replied contact never to be due")
	}
}

func TestSequenceContact_IsDue_FalseWhenNoNextScheduledAt(t *testing.T) {
	sc := &SequenceContact{Status: ContactStatusScheduled}
	if sc.IsDue(time.Now()) {
		t.Fatalf("expected a contact with no next_scheduled_at not to be due")
	}
}

func TestSequenceContact_IsDue_TrueWhenPastDue(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	sc := &SequenceContact{Status: ContactStatusScheduled, NextScheduledAt: &past}
	if !sc.IsDue(time.Now()) {
		t.Fatalf("expected a past-due scheduled contact to be due")
	}
}

func TestSequenceContact_IsDue_FalseWhenInFuture(t *testing.T) {
	future := time.Now().Add(time.Hour)
	sc := &SequenceContact{Status: ContactStatusScheduled, NextScheduledAt: &future}
	if sc.IsDue(time.Now()) {
		t.Fatalf("expected a future-scheduled contact not to be due yet")
	}
}
