package postgresql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/keramy/formulapm-approvals/pkg/models"
)

// VersionLinkRepository handles supersession-link database operations.
type VersionLinkRepository struct {
	db *sql.DB
}

// NewVersionLinkRepository creates a new version link repository.
func NewVersionLinkRepository(db *sql.DB) *VersionLinkRepository {
	return &VersionLinkRepository{db: db}
}

// Save writes a version link.
func (r *VersionLinkRepository) Save(ctx context.Context, link *models.VersionLink) error {
	query := `
		INSERT INTO version_links (id, document_id, superseded_instance_id,
			successor_instance_id, kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.ExecContext(ctx, query,
		link.ID,
		link.DocumentID,
		link.SupersededInstanceID,
		link.SuccessorInstanceID,
		link.Kind,
		link.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save version link: %w", err)
	}

	return nil
}

// ByDocumentID returns the document's supersession chain, oldest first.
func (r *VersionLinkRepository) ByDocumentID(ctx context.Context, documentID string) ([]*models.VersionLink, error) {
	query := `
		SELECT
			id
		  , document_id
		  , superseded_instance_id
		  , successor_instance_id
		  , kind
		  , created_at
		FROM version_links
		WHERE document_id = $1
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query version links: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	links := make([]*models.VersionLink, 0)

	for rows.Next() {
		var link models.VersionLink

		err = rows.Scan(
			&link.ID,
			&link.DocumentID,
			&link.SupersededInstanceID,
			&link.SuccessorInstanceID,
			&link.Kind,
			&link.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version link: %w", err)
		}

		links = append(links, &link)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating version links: %w", err)
	}

	return links, nil
}
