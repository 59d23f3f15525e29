// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/flowd/pkg/persistence"
	"github.com/dukex/flowd/pkg/persistence/file"
	"github.com/dukex/flowd/pkg/persistence/memory"
	"github.com/dukex/flowd/pkg/persistence/postgresql"
)

var supportedPersistenceProviders = []string{"memory", "postgres", "postgresql"}

// Backend is the engine store with the flow repository read by the coordinator and
// the scheduler. DB is nil for the memory provider.
type Backend struct {
	Store persistence.Persistence
	Flows persistence.FlowRepository
	DB    *sql.DB
}

// NewPersistence opens the store of databaseURL, memory:// or postgres://. Flows are
// read from flowsURL (file://<dir>) when set, from the store otherwise.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL, flowsURL string) (*Backend, error) {
	backend := &Backend{}

	switch provider := parsePersistenceProvider(databaseURL); provider {
	case "memory":
		store := memory.NewPersistence()
		backend.Store = store
		backend.Flows = store.Flows()
	case "postgres", "postgresql":
		store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, err
		}

		backend.Store = store
		backend.Flows = store.Flows()
		backend.DB = store.DB()
	default:
		return nil, fmt.Errorf("unsupported persistence provider %q, expected one of %v", provider, supportedPersistenceProviders)
	}

	if flowsURL != "" {
		backend.Flows = file.NewFlowRepository(flowsURL, logger)
	}

	return backend, nil
}

func parsePersistenceProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return ""
	}

	return provider
}
