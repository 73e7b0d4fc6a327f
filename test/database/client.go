// Package database provides test database clients for integration tests.
package database

import (
	"testing"

	"github.com/tsbx-io/tsbx/pkg/database"
	"github.com/tsbx-io/tsbx/test/util"
)

// NewTestClient creates a database client bound to a fresh migrated schema.
// In CI (when CI_DATABASE_URL is set): connects to the external PostgreSQL
// service container. In local dev: spins up a shared testcontainer.
// Schema drop and connection close are handled by SetupTestDatabase.
func NewTestClient(t *testing.T) *database.Client {
	return database.NewClientFromDB(util.SetupTestDatabase(t))
}
