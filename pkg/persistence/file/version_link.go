package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/keramy/formulapm-approvals/pkg/models"
)

// VersionLinkRepository stores supersession links as one JSON file per link.
type VersionLinkRepository struct {
	root string
}

// NewVersionLinkRepository creates a new version link repository.
func NewVersionLinkRepository(root string) *VersionLinkRepository {
	return &VersionLinkRepository{root: root}
}

// Save writes a version link to the file system.
func (vr *VersionLinkRepository) Save(_ context.Context, link *models.VersionLink) error {
	err := os.MkdirAll(path.Join(vr.root, "version_links"), 0750)
	if err != nil {
		return fmt.Errorf("failed to create version_links directory: %w", err)
	}

	data, err := json.MarshalIndent(link, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal version link %s: %w", link.ID, err)
	}

	filePath := path.Join(vr.root, "version_links", link.ID+".json")

	return os.WriteFile(filePath, data, 0600)
}

// ByDocumentID returns the document's supersession chain, oldest first.
func (vr *VersionLinkRepository) ByDocumentID(_ context.Context, documentID string) ([]*models.VersionLink, error) {
	root := os.DirFS(path.Join(vr.root, "version_links"))

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list version link files: %w", err)
	}

	links := make([]*models.VersionLink, 0)

	for _, file := range jsonFiles {
		filePath := filepath.Clean(path.Join(vr.root, "version_links", file))

		body, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read version link %s: %w", file, err)
		}

		var link models.VersionLink

		err = json.Unmarshal(body, &link)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal version link %s: %w", file, err)
		}

		if link.DocumentID == documentID {
			links = append(links, &link)
		}
	}

	sort.Slice(links, func(i, j int) bool {
		return links[i].CreatedAt.Before(links[j].CreatedAt)
	})

	return links, nil
}
