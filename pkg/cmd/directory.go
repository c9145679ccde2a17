package cmd

import (
	"encoding/json"
	"os"

	"github.com/keramy/formulapm-approvals/pkg/directory"
)

// directorySeed is the JSON layout of a directory seed file: role name to
// user IDs, plus per-document client approvers.
type directorySeed struct {
	Roles   map[string][]string `json:"roles"`
	Clients map[string][]string `json:"clients"`
}

// NewDirectory builds an approver directory. With a seed file path the
// static directory is preloaded from it; without one it starts empty and is
// populated through the platform's user management.
func NewDirectory(seedPath string) (*directory.StaticDirectory, error) {
	dir := directory.NewStaticDirectory()

	if seedPath == "" {
		return dir, nil
	}

	data, err := os.ReadFile(seedPath)
	if err != nil {
		return nil, err
	}

	var seed directorySeed

	err = json.Unmarshal(data, &seed)
	if err != nil {
		return nil, err
	}

	for role, users := range seed.Roles {
		for _, user := range users {
			dir.AssignRole(role, user)
		}
	}

	for documentID, users := range seed.Clients {
		for _, user := range users {
			dir.AssignClient(documentID, user)
		}
	}

	return dir, nil
}
