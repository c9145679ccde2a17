// Package evaluator holds the pure decision logic for approval stages. Given
// a stage definition and the decisions recorded so far it reports whether
// the stage is satisfied, blocked, or still pending; it never mutates state.
package evaluator

import (
	"sort"

	"github.com/keramy/formulapm-approvals/pkg/models"
)

// Verdict is the evaluator's judgement of a stage or tier.
type Verdict string

const (
	VerdictSatisfied Verdict = "satisfied"
	VerdictPending   Verdict = "pending"
	VerdictBlocked   Verdict = "blocked"
)

// EvaluateStage applies the deny-overrides-allow policy: decisions are
// scanned in recorded order and the first blocking decision among required
// approvers wins, even if a later quorum would otherwise have been reached.
// Optional-role approvers are advisory and never satisfy or block.
func EvaluateStage(def *models.StageDefinition, approvals []*models.StageApproval) Verdict {
	decided := make([]*models.StageApproval, 0, len(approvals))

	for _, approval := range approvals {
		if approval.Required && approval.Decided() {
			decided = append(decided, approval)
		}
	}

	sort.SliceStable(decided, func(i, j int) bool {
		return decided[i].DecidedAt.Before(*decided[j].DecidedAt)
	})

	approvedCount := 0

	for _, approval := range decided {
		if approval.Decision.Blocking() {
			return VerdictBlocked
		}

		if approval.Decision == models.DecisionApproved {
			approvedCount++
		}
	}

	if approvedCount >= def.MinimumApprovals {
		return VerdictSatisfied
	}

	return VerdictPending
}

// BlockingApproval returns the earliest blocking required decision for the
// stage, or nil. Its comments are surfaced verbatim to the document owner.
func BlockingApproval(approvals []*models.StageApproval) *models.StageApproval {
	var first *models.StageApproval

	for _, approval := range approvals {
		if !approval.Required || !approval.Decided() || !approval.Decision.Blocking() {
			continue
		}

		if first == nil || approval.DecidedAt.Before(*first.DecidedAt) {
			first = approval
		}
	}

	return first
}

// EvaluateTier folds the verdicts of all stages sharing a sequence tier:
// blocked if any stage is blocked, satisfied only when every stage is
// satisfied or legitimately skipped, otherwise pending.
func EvaluateTier(template *models.WorkflowTemplate, tier []*models.StageDefinition, instance *models.ApprovalInstance) (Verdict, error) {
	interpreter := models.SkipPredicateInterpreter{}

	allSatisfied := true

	for _, def := range tier {
		skip, err := interpreter.ShouldSkip(def, instance.Metadata)
		if err != nil {
			return VerdictPending, err
		}

		if skip {
			continue
		}

		switch EvaluateStage(def, instance.ApprovalsForStage(def.Name)) {
		case VerdictBlocked:
			return VerdictBlocked, nil
		case VerdictPending:
			allSatisfied = false
		case VerdictSatisfied:
		}
	}

	if allSatisfied {
		return VerdictSatisfied, nil
	}

	return VerdictPending, nil
}
