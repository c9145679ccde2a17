package directory

import (
	"context"
	"sort"
	"sync"
)

// StaticDirectory is an in-memory ApproverDirectory for development and
// tests. Role assignments are global, not per document.
type StaticDirectory struct {
	mu      sync.RWMutex
	roles   map[string][]string
	clients map[string]map[string]bool // documentID -> userID
}

// NewStaticDirectory creates an empty static directory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		roles:   make(map[string][]string),
		clients: make(map[string]map[string]bool),
	}
}

// AssignRole adds a user to a role.
func (d *StaticDirectory) AssignRole(role, userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, existing := range d.roles[role] {
		if existing == userID {
			return
		}
	}

	d.roles[role] = append(d.roles[role], userID)
}

// AssignClient marks a user as a client approver for a document.
func (d *StaticDirectory) AssignClient(documentID, userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.clients[documentID] == nil {
		d.clients[documentID] = make(map[string]bool)
	}

	d.clients[documentID][userID] = true
}

func (d *StaticDirectory) ResolveApprovers(_ context.Context, role, _ string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]string, len(d.roles[role]))
	copy(out, d.roles[role])
	sort.Strings(out)

	return out, nil
}

func (d *StaticDirectory) IsClientApproverFor(_ context.Context, documentID, userID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.clients[documentID][userID], nil
}
