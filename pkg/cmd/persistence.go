// Package cmd provides shared wiring helpers for the approvals binaries.
package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/keramy/formulapm-approvals/pkg/persistence"
	"github.com/keramy/formulapm-approvals/pkg/persistence/file"
	"github.com/keramy/formulapm-approvals/pkg/persistence/postgresql"
)

// NewPersistence builds a persistence backend from a database URL. A
// postgres:// URL selects PostgreSQL; anything else is treated as a
// directory path for the file backend.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic("failed to initialize postgresql persistence: " + err.Error())
		}

		return p
	default:
		return file.NewPersistence(strings.TrimPrefix(databaseURL, "file://"))
	}
}
