package dbtest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/unclebandit/shotqueue/internal/config"
	"github.com/unclebandit/shotqueue/internal/db"
)

// New opens a migrated in-memory SQLite database private to the test and
// closes it when the test finishes.
func New(t testing.TB) *db.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", name, uuid.NewString()[:8])

	ctx := context.Background()
	d, err := db.Open(ctx, config.DatabaseConfig{Driver: "sqlite", DSN: dsn, QueryTimeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := d.Migrate(ctx); err != nil {
		_ = d.Close()
		t.Fatalf("failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		_ = d.Close()
	})
	return d
}
