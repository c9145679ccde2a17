// Package directory defines the identity collaborator consumed by the
// approval engine. The engine assumes it is always called by an
// already-authorized actor; it only needs role membership, never how that
// membership was verified.
package directory

import "context"

// ApproverDirectory resolves approver roles to concrete identities. Backed
// by the platform's identity/authorization subsystem in production.
type ApproverDirectory interface {
	// ResolveApprovers returns the user IDs holding the role for the given
	// document's project. An empty set is a valid answer; callers decide
	// whether that is fatal.
	ResolveApprovers(ctx context.Context, role, documentID string) ([]string, error)

	// IsClientApproverFor reports whether the user may record client-kind
	// decisions for the document. Used only at the client-portal boundary.
	IsClientApproverFor(ctx context.Context, documentID, userID string) (bool, error)
}
