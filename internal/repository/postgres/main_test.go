package postgres

import (
	"context"
	"testing"

	pgadapter "concierge/internal/adapters/postgres"
	"concierge/internal/testsupport"
)

// newTestRepository applies the schema and returns a repository bound to a
// transaction that is rolled back when the test ends.
func newTestRepository(t *testing.T) *CostRecordRepository {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfgs := testsupport.LoadDatabaseConfigsFromEnv(t)

	client, err := pgadapter.NewClient(cfgs.Postgres)
	if err != nil {
		t.Fatalf("failed to connect to postgres: %v", err)
	}
	if err := client.Migrate(context.Background()); err != nil {
		_ = client.Close()
		t.Fatalf("failed to migrate: %v", err)
	}
	_ = client.Close()

	testDB := testsupport.NewPostgresTestHelper(t, cfgs.Postgres)
	return NewCostRecordRepository(testDB.Tx())
}
