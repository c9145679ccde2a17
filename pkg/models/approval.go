package models

import (
	"time"
)

// Decision is an approver's recorded verdict on one stage approval.
type Decision string

const (
	DecisionPending          Decision = "pending"
	DecisionApproved         Decision = "approved"
	DecisionRejected         Decision = "rejected"
	DecisionRevisionRequired Decision = "revision_required"
)

// Valid reports whether the decision is one of the known values.
func (d Decision) Valid() bool {
	switch d {
	case DecisionPending, DecisionApproved, DecisionRejected, DecisionRevisionRequired:
		return true
	default:
		return false
	}
}

// Blocking reports whether the decision short-circuits a stage under the
// deny-overrides-allow policy.
func (d Decision) Blocking() bool {
	return d == DecisionRejected || d == DecisionRevisionRequired
}

// ApproverKind distinguishes internal reviewers from client-portal approvers.
type ApproverKind string

const (
	ApproverKindInternal ApproverKind = "internal"
	ApproverKindClient   ApproverKind = "client"
)

// StageApproval is one approver's participation in one stage of one
// instance. Invariant: DecidedAt is set if and only if Decision != pending.
type StageApproval struct {
	ID         string       `json:"id"`
	InstanceID string       `json:"instance_id"`
	StageName  StageName    `json:"stage_name"`
	ApproverID string       `json:"approver_id"`
	Kind       ApproverKind `json:"kind"`

	// Required marks approvers resolved from the stage's required roles.
	// Optional-role approvers are advisory: their decisions are recorded but
	// never satisfy or block the stage.
	Required bool `json:"required"`

	// Role the approver was resolved from, kept for audit and escalation.
	Role string `json:"role"`

	Decision  Decision   `json:"decision"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	Comments  string     `json:"comments,omitempty"`

	DueDate       time.Time  `json:"due_date"`
	ReminderCount int        `json:"reminder_count"`
	Escalated     bool       `json:"escalated"`
	EscalatedAt   *time.Time `json:"escalated_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Decided reports whether a verdict has been recorded.
func (a *StageApproval) Decided() bool {
	return a.Decision != DecisionPending
}

// Decide records the approver's verdict, keeping the DecidedAt invariant.
func (a *StageApproval) Decide(decision Decision, comments string, now time.Time) {
	a.Decision = decision
	a.Comments = comments
	at := now.UTC()
	a.DecidedAt = &at
}

// Overdue reports whether the approval is past due and still undecided.
func (a *StageApproval) Overdue(now time.Time) bool {
	return a.Decision == DecisionPending && a.DueDate.Before(now)
}
