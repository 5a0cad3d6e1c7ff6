package queue

import "time"

// SequenceJobPayload triggers the sequence processor: fan out
// to a sequence's active contacts and schedule each one's next step.
type SequenceJobPayload struct {
	SequenceID uint   `json:"sequenceId"`
	UserID     uint   `json:"userId"`
	Reason     string `json:"reason"` // "launch", "resume", or "resweep"
}

// EmailJobPayload carries everything the email worker needs to compose and
// send one message.
type EmailJobPayload struct {
	SequenceID    uint      `json:"sequenceId"`
	ContactID     uint      `json:"contactId"`
	StepID        uint      `json:"stepId"`
	UserID        uint      `json:"userId"`
	To            string    `json:"to"`
	Subject       string    `json:"subject"`
	ThreadID      string    `json:"threadId,omitempty"`
	ScheduledTime time.Time `json:"scheduledTime"`
	TestMode      bool      `json:"testMode"`
}

// ContactJobPayload triggers a one-off re-evaluation of a single
// (sequence, contact) pair without re-fanning-out an entire sequence. The
// contact-jobs queue has a consumer in main.go, but neither the control
// API nor any retry path enqueues these jobs.
type ContactJobPayload struct {
	SequenceID uint `json:"sequenceId"`
	ContactID  uint `json:"contactId"`
	UserID     uint `json:"userId"`
}

// ThreadWatchJobPayload asks the inbound pipeline to re-check a Gmail
// thread outside of the push-notification path — used when a push
// notification is dropped or delayed and a thread needs a manual nudge.
type ThreadWatchJobPayload struct {
	UserID        uint   `json:"userId"`
	GmailThreadID string `json:"gmailThreadId"`
}
