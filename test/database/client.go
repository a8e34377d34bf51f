package database

import (
	"testing"

	"github.com/seekerlab/seeker/pkg/database"
	"github.com/seekerlab/seeker/test/util"
)

// NewTestClient creates a test database client.
// In CI (when CI_DATABASE_URL is set): connects to external PostgreSQL service container.
// In local dev: spins up a testcontainer with PostgreSQL.
// The schema/connection is automatically cleaned up when the test ends.
func NewTestClient(t *testing.T) *database.Client {
	pool := util.SetupTestDatabase(t)
	return database.NewClientFromPool(pool)
}
