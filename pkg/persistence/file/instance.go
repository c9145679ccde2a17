package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/keramy/formulapm-approvals/pkg/models"
	"github.com/keramy/formulapm-approvals/pkg/persistence"
)

// InstanceRepository stores approval instances (with their stage approvals)
// as one JSON file per instance. A process-wide mutex serializes saves so
// the revision check-and-increment is atomic.
type InstanceRepository struct {
	root string
	mu   sync.Mutex
}

// NewInstanceRepository creates a new instance repository.
func NewInstanceRepository(root string) *InstanceRepository {
	return &InstanceRepository{root: root}
}

// GetByID retrieves an instance by its ID from the file system.
func (ir *InstanceRepository) GetByID(_ context.Context, id string) (*models.ApprovalInstance, error) {
	return ir.read(id)
}

func (ir *InstanceRepository) read(id string) (*models.ApprovalInstance, error) {
	filePath := filepath.Clean(path.Join(ir.root, "instances", id+".json"))

	body, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to fetch instance %s: %w", id, err)
	}

	var instance models.ApprovalInstance

	err = json.Unmarshal(body, &instance)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal instance %s: %w", id, err)
	}

	return &instance, nil
}

// ActiveByDocumentID returns the non-terminal instance for a document, or
// nil when none is in flight.
func (ir *InstanceRepository) ActiveByDocumentID(ctx context.Context, documentID string) (*models.ApprovalInstance, error) {
	instances, err := ir.ActiveInstances(ctx)
	if err != nil {
		return nil, err
	}

	for _, instance := range instances {
		if instance.DocumentID == documentID {
			return instance, nil
		}
	}

	return nil, nil
}

// ActiveInstances returns every non-terminal instance.
func (ir *InstanceRepository) ActiveInstances(ctx context.Context) ([]*models.ApprovalInstance, error) {
	all, err := ir.all(ctx)
	if err != nil {
		return nil, err
	}

	active := make([]*models.ApprovalInstance, 0)

	for _, instance := range all {
		if instance.Active() {
			active = append(active, instance)
		}
	}

	return active, nil
}

func (ir *InstanceRepository) all(_ context.Context) ([]*models.ApprovalInstance, error) {
	root := os.DirFS(path.Join(ir.root, "instances"))

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list instance files: %w", err)
	}

	instances := make([]*models.ApprovalInstance, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		id := file[:len(file)-5] // Remove .json extension

		instance, err := ir.read(id)
		if err != nil {
			return nil, fmt.Errorf("failed to load instance %s: %w", id, err)
		}

		if instance != nil {
			instances = append(instances, instance)
		}
	}

	return instances, nil
}

// Save persists the instance and its approvals in one write. The stored
// revision must match instance.Revision; on success the revision is bumped
// by one, both on disk and on the passed instance.
func (ir *InstanceRepository) Save(_ context.Context, instance *models.ApprovalInstance) error {
	ir.mu.Lock()
	defer ir.mu.Unlock()

	stored, err := ir.read(instance.ID)
	if err != nil {
		return err
	}

	if stored != nil && stored.Revision != instance.Revision {
		return persistence.NewInstanceError("Save", instance.ID, persistence.ErrRevisionConflict)
	}

	err = os.MkdirAll(path.Join(ir.root, "instances"), 0750)
	if err != nil {
		return fmt.Errorf("failed to create instances directory: %w", err)
	}

	now := time.Now().UTC()
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}

	instance.UpdatedAt = now
	instance.Revision++

	data, err := json.MarshalIndent(instance, "", "  ")
	if err != nil {
		instance.Revision--

		return fmt.Errorf("failed to marshal instance %s: %w", instance.ID, err)
	}

	filePath := path.Join(ir.root, "instances", instance.ID+".json")

	err = os.WriteFile(filePath, data, 0600)
	if err != nil {
		instance.Revision--

		return fmt.Errorf("failed to write instance %s: %w", instance.ID, err)
	}

	return nil
}
