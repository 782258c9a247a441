package migrate

import (
	"context"
	"testing"

	"pepeunit/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	ms, err := loadMigrations()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	ctx := context.Background()
	applied, err := Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if applied != len(ms) {
		t.Fatalf("applied %d, want %d", applied, len(ms))
	}
	applied, err = Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if applied != 0 {
		t.Fatalf("second run applied %d migrations", applied)
	}
	var version int
	if err := conn.QueryRowContext(ctx, `SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != ms[len(ms)-1].Version {
		t.Fatalf("version = %d", version)
	}
}
