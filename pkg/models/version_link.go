package models

import "time"

// VersionLinkKind classifies how a superseded instance relates to its
// successor.
type VersionLinkKind string

const (
	// VersionLinkVoided means the prior instance's progress was discarded and
	// the successor restarts the full approval chain.
	VersionLinkVoided VersionLinkKind = "voided"

	// VersionLinkCarriedForward means tiers fully satisfied on the prior
	// instance were carried onto the successor.
	VersionLinkCarriedForward VersionLinkKind = "carried_forward_approved_stages"
)

// VersionLink records that one instance supersedes another. Created only by
// the supersession controller.
type VersionLink struct {
	ID                   string          `json:"id"`
	DocumentID           string          `json:"document_id"`
	SupersededInstanceID string          `json:"superseded_instance_id"`
	SuccessorInstanceID  string          `json:"successor_instance_id"`
	Kind                 VersionLinkKind `json:"kind"`
	CreatedAt            time.Time       `json:"created_at"`
}
