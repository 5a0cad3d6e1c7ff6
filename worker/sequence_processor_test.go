package worker

import (
	"context"
	"testing"

	"github.com/coldpath/sequencer/models"
)

func TestResolveSubject_UsesStepSubjectByDefault(t *testing.T) {
	sequence := &models.Sequence{
		Steps: []models.SequenceStep{
			{Subject: "Welcome"},
			{Subject: "Follow up", ReplyToThread: false},
		},
	}
	got := resolveSubject(sequence, &sequence.Steps[1], 1)
	if got != "Follow up" {
		t.Fatalf("expected step's own subject, got %q", got)
	}
}

func TestResolveSubject_PrefixesReWhenReplyingToThread(t *testing.T) {
	sequence := &models.Sequence{
		Steps: []models.SequenceStep{
			{Subject: "Welcome"},
			{Subject: "Follow up", ReplyToThread: true},
		},
	}
	got := resolveSubject(sequence, &sequence.Steps[1], 1)
	if got != "Re: Welcome" {
		t.Fatalf("expected reply subject to reference the previous step, got %q", got)
	}
}

func TestResolveSubject_FirstStepNeverGetsReplyPrefix(t *testing.T) {
	sequence := &models.Sequence{
		Steps: []models.SequenceStep{
			{Subject: "Welcome", ReplyToThread: true},
		},
	}
	got := resolveSubject(sequence, &sequence.Steps[0], 0)
	if got != "Welcome" {
		t.Fatalf("expected first step's subject unchanged, got %q", got)
	}
}

func TestProcessContact_SkipsTerminalStatusWithoutTouchingLimiterOrDB(t *testing.T) {
	// Limiter and DB are left nil: if the terminal-status guard didn't
	// short-circuit first, this would panic on the nil Limiter.Check call.
	p := &SequenceProcessor{}
	sequence := &models.Sequence{Steps: []models.SequenceStep{{Subject: "Welcome"}}}
	sc := &models.SequenceContact{Status: models.ContactStatusReplied}

	if err := p.processContact(context.Background(), sequence, sc); err != nil {
		t.Fatalf("expected nil error for a terminal-status contact, got %v", err)
	}
}
