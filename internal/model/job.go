package model

import (
	"strings"
	"time"
)

type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobClaimed JobStatus = "claimed"
	JobSent    JobStatus = "sent"
	JobFailed  JobStatus = "failed"
)

func (s JobStatus) String() string { return string(s) }

func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobClaimed, JobSent, JobFailed:
		return true
	}
	return false
}

// TrafficClass separates first-contact outreach, its follow-ups and filler traffic
// between owned mailboxes.
type TrafficClass string

const (
	ClassCold     TrafficClass = "cold"
	ClassFollowup TrafficClass = "followup"
	ClassFriendly TrafficClass = "friendly"
)

func (c TrafficClass) String() string { return string(c) }

func (c TrafficClass) Valid() bool {
	return c == ClassCold || c == ClassFollowup || c == ClassFriendly
}

// ParseTrafficClass normalizes input; empty => cold.
func ParseTrafficClass(s string) (TrafficClass, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cold":
		return ClassCold, true
	case "followup", "follow_up", "follow-up":
		return ClassFollowup, true
	case "friendly":
		return ClassFriendly, true
	default:
		return ClassCold, false
	}
}

// LeadState is the follow-up lifecycle of a job, independent of its queue status.
type LeadState string

const (
	StateNew      LeadState = "new"
	StateDrafted  LeadState = "drafted"
	StateApproved LeadState = "approved"
	StateSent     LeadState = "sent"
	StateClosed   LeadState = "closed"
	StateFailed   LeadState = "failed"
)

func (s LeadState) String() string { return string(s) }

// PreSend reports whether nothing has been sent for the job yet.
func (s LeadState) PreSend() bool {
	return s == StateNew || s == StateDrafted || s == StateApproved
}

func (s LeadState) Terminal() bool { return s == StateClosed || s == StateFailed }

func ParseLeadState(s string) (LeadState, bool) {
	switch st := LeadState(strings.ToLower(strings.TrimSpace(s))); st {
	case "":
		return StateNew, true
	case StateNew, StateDrafted, StateApproved, StateSent, StateClosed, StateFailed:
		return st, true
	default:
		return StateNew, false
	}
}

// Job is one outbound message persisted in the jobs table.
type Job struct {
	ID                string       `db:"id"                  json:"id"`
	Recipient         string       `db:"recipient"           json:"recipient"`
	Subject           string       `db:"subject"             json:"subject"`
	Body              string       `db:"body"                json:"body"`
	Class             TrafficClass `db:"class"               json:"class"`
	Status            JobStatus    `db:"status"              json:"status"`
	State             LeadState    `db:"state"               json:"state"`
	Attempts          int          `db:"attempts"            json:"attempts"`
	Stage             int          `db:"followup_stage"      json:"followup_stage"`
	NextFollowupAt    *time.Time   `db:"next_followup_at"    json:"next_followup_at,omitempty"`
	SenderID          *string      `db:"sender_id"           json:"sender_id,omitempty"`
	TemplateID        string       `db:"template_id"         json:"template_id,omitempty"`
	ProfileID         string       `db:"profile_id"          json:"profile_id,omitempty"`
	ProviderMessageID string       `db:"provider_message_id" json:"provider_message_id,omitempty"`
	LastError         string       `db:"last_error"          json:"last_error,omitempty"`
	ClaimedBy         string       `db:"claimed_by"          json:"-"`
	ClaimedAt         *time.Time   `db:"claimed_at"          json:"-"`
	LastSentAt        *time.Time   `db:"last_sent_at"        json:"last_sent_at,omitempty"`
	CreatedAt         time.Time    `db:"created_at"          json:"created_at"`
	UpdatedAt         time.Time    `db:"updated_at"          json:"updated_at"`
}

// SendClass is the class the next send of this job counts against.
func (j Job) SendClass() TrafficClass {
	if j.Class == ClassFriendly {
		return ClassFriendly
	}
	if j.State == StateSent && j.Stage >= 1 {
		return ClassFollowup
	}
	return ClassCold
}

// Outreach reports whether the job is cold-side traffic (first contact or follow-up).
func (j Job) Outreach() bool { return j.Class != ClassFriendly }

func (j Job) AssignedSender() string {
	if j.SenderID == nil {
		return ""
	}
	return *j.SenderID
}

// FollowupTransition is the state written back after a successful send.
type FollowupTransition struct {
	State          LeadState
	Stage          int
	Attempts       int
	NextFollowupAt *time.Time
	LastSentAt     time.Time
}

// QueueStatus maps a transition to the queue status: jobs waiting for their next follow-up
// stay queued, everything else is done.
func (t FollowupTransition) QueueStatus() JobStatus {
	if t.State == StateSent && t.NextFollowupAt != nil {
		return JobQueued
	}
	return JobSent
}
