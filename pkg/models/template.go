package models

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrInvalidTemplate is returned when template structural validation fails.
var ErrInvalidTemplate = errors.New("invalid workflow template")

// WorkflowTemplate is a reusable approval workflow definition for one
// document type. Templates are immutable once referenced by a live instance:
// editing creates a new template version, the old one is deactivated and
// never hard-deleted.
type WorkflowTemplate struct {
	ID           string `json:"id"`
	Name         string `json:"name"          validate:"required,min=3"`
	DocumentType string `json:"document_type" validate:"required"`
	Version      int    `json:"version"       validate:"min=1"`
	Active       bool   `json:"active"`

	Stages []*StageDefinition `json:"stages" validate:"required,min=1"`

	ParallelApprovalAllowed bool `json:"parallel_approval_allowed"`
	ClientApprovalRequired  bool `json:"client_approval_required"`

	// CarryForwardApprovedStages controls supersession behavior: when true,
	// stages fully satisfied on the superseded instance stay satisfied on the
	// successor. Default false restarts the full approval chain per version.
	CarryForwardApprovedStages bool `json:"carry_forward_approved_stages"`

	// DefaultDurationDays is the due-date window applied to a stage approval
	// when its stage does not set TargetDays.
	DefaultDurationDays int `json:"default_duration_days" validate:"min=1"`

	// EscalationReminderThreshold is the reminder count after which an
	// overdue approval escalates to EscalationRole.
	EscalationReminderThreshold int    `json:"escalation_reminder_threshold" validate:"min=1"`
	EscalationRole              string `json:"escalation_role"`

	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// StageDefinition is one step of a template. Stages sharing a Sequence value
// form a parallel tier and run concurrently; ParallelWith names the peer
// stage a parallel stage is tied to.
type StageDefinition struct {
	Name     StageName `json:"name"     validate:"required"`
	Sequence int       `json:"sequence" validate:"min=1"`

	RequiredRoles []string `json:"required_roles" validate:"required,min=1"`
	OptionalRoles []string `json:"optional_roles,omitempty"`

	// MinimumApprovals is the quorum of required-role approvals that
	// satisfies the stage.
	MinimumApprovals int `json:"minimum_approvals" validate:"min=1"`

	CanBeSkipped bool   `json:"can_be_skipped"`
	SkipWhen     string `json:"skip_when,omitempty"` // document metadata key, truthy value skips

	ParallelWith *StageName `json:"parallel_with,omitempty"`

	// ClientStage marks the terminal client-approval stage. Approvals created
	// for it are of kind client and resolved through the client directory.
	ClientStage bool `json:"client_stage"`

	TargetDays int `json:"target_days"`
	MaxDays    int `json:"max_days"`
}

// DueDays returns the stage's due window, falling back to the template
// default when the stage does not set one.
func (t *WorkflowTemplate) DueDays(def *StageDefinition) int {
	if def.TargetDays > 0 {
		return def.TargetDays
	}

	return t.DefaultDurationDays
}

// Stage returns the definition with the given name, or nil.
func (t *WorkflowTemplate) Stage(name StageName) *StageDefinition {
	for _, def := range t.Stages {
		if def.Name == name {
			return def
		}
	}

	return nil
}

// Tiers returns the stage definitions grouped by sequence tier, ordered by
// sequence. Stages within a tier run in parallel.
func (t *WorkflowTemplate) Tiers() [][]*StageDefinition {
	byTier := make(map[int][]*StageDefinition)
	for _, def := range t.Stages {
		byTier[def.Sequence] = append(byTier[def.Sequence], def)
	}

	sequences := make([]int, 0, len(byTier))
	for seq := range byTier {
		sequences = append(sequences, seq)
	}

	sort.Ints(sequences)

	tiers := make([][]*StageDefinition, 0, len(sequences))
	for _, seq := range sequences {
		tiers = append(tiers, byTier[seq])
	}

	return tiers
}

// TierOf returns the sequence tier of the named stage, or 0 when unknown.
func (t *WorkflowTemplate) TierOf(name StageName) int {
	def := t.Stage(name)
	if def == nil {
		return 0
	}

	return def.Sequence
}

// NextTier returns the stages of the lowest tier strictly above the given
// sequence, or nil when no tier remains.
func (t *WorkflowTemplate) NextTier(after int) []*StageDefinition {
	var next []*StageDefinition

	nextSeq := 0

	for _, def := range t.Stages {
		if def.Sequence <= after {
			continue
		}

		if nextSeq == 0 || def.Sequence < nextSeq {
			nextSeq = def.Sequence
			next = []*StageDefinition{def}

			continue
		}

		if def.Sequence == nextSeq {
			next = append(next, def)
		}
	}

	return next
}

// ClientStageDefinition returns the stage flagged as the terminal client
// approval stage, or nil.
func (t *WorkflowTemplate) ClientStageDefinition() *StageDefinition {
	for _, def := range t.Stages {
		if def.ClientStage {
			return def
		}
	}

	return nil
}

// ValidateStructure checks the template's structural rules and returns every
// violation found. An empty slice means the template is well-formed.
func (t *WorkflowTemplate) ValidateStructure() []error {
	var problems []error

	if len(t.Stages) == 0 {
		return append(problems, fmt.Errorf("%w: template has no stages", ErrInvalidTemplate))
	}

	seen := make(map[StageName]bool)
	byTier := make(map[int][]*StageDefinition)

	for _, def := range t.Stages {
		if !def.Name.Valid() {
			problems = append(problems, fmt.Errorf("%w: unknown stage name %q", ErrInvalidTemplate, def.Name))
		}

		if seen[def.Name] {
			problems = append(problems, fmt.Errorf("%w: duplicate stage %q", ErrInvalidTemplate, def.Name))
		}

		seen[def.Name] = true

		if def.MinimumApprovals < 1 {
			problems = append(problems, fmt.Errorf("%w: stage %q requires minimum_approvals >= 1", ErrInvalidTemplate, def.Name))
		}

		if len(def.RequiredRoles) == 0 {
			problems = append(problems, fmt.Errorf("%w: stage %q has no required roles", ErrInvalidTemplate, def.Name))
		}

		if def.CanBeSkipped && def.SkipWhen == "" {
			problems = append(problems, fmt.Errorf("%w: skippable stage %q has no skip predicate", ErrInvalidTemplate, def.Name))
		}

		byTier[def.Sequence] = append(byTier[def.Sequence], def)
	}

	// Sequence tiers must be unique per stage set and contiguous from 1.
	for i := 1; i <= len(byTier); i++ {
		if _, ok := byTier[i]; !ok {
			problems = append(problems, fmt.Errorf("%w: stage sequence tiers must be contiguous from 1, missing tier %d", ErrInvalidTemplate, i))

			break
		}
	}

	for _, def := range t.Stages {
		if def.ParallelWith == nil {
			continue
		}

		peer := t.Stage(*def.ParallelWith)

		switch {
		case peer == nil:
			problems = append(problems, fmt.Errorf("%w: stage %q runs parallel with unknown stage %q", ErrInvalidTemplate, def.Name, *def.ParallelWith))
		case peer.Name == def.Name:
			problems = append(problems, fmt.Errorf("%w: stage %q cannot run parallel with itself", ErrInvalidTemplate, def.Name))
		case peer.Sequence != def.Sequence:
			problems = append(problems, fmt.Errorf("%w: stage %q runs parallel with %q but they are on different sequence tiers", ErrInvalidTemplate, def.Name, peer.Name))
		}
	}

	if !t.ParallelApprovalAllowed {
		for seq, defs := range byTier {
			if len(defs) > 1 {
				problems = append(problems, fmt.Errorf("%w: tier %d holds %d stages but parallel approval is not allowed", ErrInvalidTemplate, seq, len(defs)))
			}
		}
	}

	problems = append(problems, t.validateClientStage(byTier)...)

	return problems
}

func (t *WorkflowTemplate) validateClientStage(byTier map[int][]*StageDefinition) []error {
	var problems []error

	clientStages := 0

	for _, def := range t.Stages {
		if def.ClientStage {
			clientStages++
		}
	}

	if !t.ClientApprovalRequired {
		if clientStages > 0 {
			problems = append(problems, fmt.Errorf("%w: client stage defined but client approval is not required", ErrInvalidTemplate))
		}

		return problems
	}

	if clientStages != 1 {
		return append(problems, fmt.Errorf("%w: client approval requires exactly one client stage, found %d", ErrInvalidTemplate, clientStages))
	}

	client := t.ClientStageDefinition()

	for seq := range byTier {
		if seq > client.Sequence {
			problems = append(problems, fmt.Errorf("%w: client stage %q must be the terminal tier", ErrInvalidTemplate, client.Name))

			break
		}
	}

	if len(byTier[client.Sequence]) > 1 {
		problems = append(problems, fmt.Errorf("%w: client stage %q must be alone on its tier", ErrInvalidTemplate, client.Name))
	}

	return problems
}

// Validate aggregates ValidateStructure into a single error, nil when the
// template is well-formed.
func (t *WorkflowTemplate) Validate() error {
	return errors.Join(t.ValidateStructure()...)
}
