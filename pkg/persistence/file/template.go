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
	"time"

	"github.com/keramy/formulapm-approvals/pkg/models"
)

// TemplateRepository stores workflow templates as one JSON file per template.
type TemplateRepository struct {
	root string
}

// NewTemplateRepository creates a new template repository.
func NewTemplateRepository(root string) *TemplateRepository {
	return &TemplateRepository{root: root}
}

// GetByID retrieves a template by its ID from the file system.
func (tr *TemplateRepository) GetByID(_ context.Context, id string) (*models.WorkflowTemplate, error) {
	filePath := filepath.Clean(path.Join(tr.root, "templates", id+".json"))

	body, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to fetch template %s: %w", id, err)
	}

	var template models.WorkflowTemplate

	err = json.Unmarshal(body, &template)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal template %s: %w", id, err)
	}

	return &template, nil
}

// ActiveByDocumentType returns the single active template for the document
// type, or nil when none is configured.
func (tr *TemplateRepository) ActiveByDocumentType(ctx context.Context, documentType string) (*models.WorkflowTemplate, error) {
	templates, err := tr.All(ctx)
	if err != nil {
		return nil, err
	}

	var active *models.WorkflowTemplate

	for _, template := range templates {
		if template.DocumentType != documentType || !template.Active {
			continue
		}

		if active == nil || template.Version > active.Version {
			active = template
		}
	}

	return active, nil
}

// All returns every stored template, newest first.
func (tr *TemplateRepository) All(ctx context.Context) ([]*models.WorkflowTemplate, error) {
	root := os.DirFS(path.Join(tr.root, "templates"))

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list template files: %w", err)
	}

	templates := make([]*models.WorkflowTemplate, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		id := file[:len(file)-5] // Remove .json extension

		template, err := tr.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load template %s: %w", id, err)
		}

		if template != nil {
			templates = append(templates, template)
		}
	}

	sort.Slice(templates, func(i, j int) bool {
		return templates[i].CreatedAt.After(templates[j].CreatedAt)
	})

	return templates, nil
}

// Save writes a template to the file system.
func (tr *TemplateRepository) Save(_ context.Context, template *models.WorkflowTemplate) error {
	err := os.MkdirAll(path.Join(tr.root, "templates"), 0750)
	if err != nil {
		return fmt.Errorf("failed to create templates directory: %w", err)
	}

	now := time.Now().UTC()
	if template.CreatedAt.IsZero() {
		template.CreatedAt = now
	}

	template.UpdatedAt = now

	data, err := json.MarshalIndent(template, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal template %s: %w", template.ID, err)
	}

	filePath := path.Join(tr.root, "templates", template.ID+".json")

	return os.WriteFile(filePath, data, 0600)
}
