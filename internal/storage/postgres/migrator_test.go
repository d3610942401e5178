package postgres

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
)

func TestEmbeddedMigrations_HaveUpAndDown(t *testing.T) {
	t.Parallel()

	src, err := iofs.New(migrationsFS, migrationsDir)
	if err != nil {
		t.Fatalf("open embedded migrations: %v", err)
	}
	defer src.Close()

	version, err := src.First()
	if err != nil {
		t.Fatalf("first migration: %v", err)
	}

	count := 0
	for {
		count++

		up, _, err := src.ReadUp(version)
		if err != nil {
			t.Fatalf("read up %d: %v", version, err)
		}
		_ = up.Close()

		down, _, err := src.ReadDown(version)
		if err != nil {
			t.Fatalf("read down %d: %v", version, err)
		}
		_ = down.Close()

		next, err := src.Next(version)
		if errors.Is(err, fs.ErrNotExist) {
			break
		}
		if err != nil {
			t.Fatalf("next after %d: %v", version, err)
		}
		version = next
	}

	if count != 3 {
		t.Fatalf("expected 3 migrations, got %d", count)
	}
}

func TestEmbeddedMigrations_FileNames(t *testing.T) {
	t.Parallel()

	files, err := fs.Glob(migrationsFS, migrationsDir+"/*.sql")
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(files)%2 != 0 {
		t.Fatalf("every migration must have up and down files, got %v", files)
	}
}
