package database

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"testing"

	"github.com/captionhub/backend/internal/database/migrations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrations(t *testing.T) {
	files, err := fs.Glob(migrations.Migrations, "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	body, err := fs.ReadFile(migrations.Migrations, files[0])
	require.NoError(t, err)
	assert.Contains(t, string(body), "-- +goose Up")
	assert.Contains(t, string(body), "-- +goose Down")
	assert.Contains(t, string(body), "CREATE TABLE IF NOT EXISTS credit_reservations")
}

func TestRunMigrations(t *testing.T) {
	original := gooseUp
	t.Cleanup(func() { gooseUp = original })

	t.Run("applies from the embedded root", func(t *testing.T) {
		var gotDir string
		gooseUp = func(ctx context.Context, db *sql.DB, dir string) error {
			gotDir = dir
			return nil
		}
		require.NoError(t, RunMigrations(context.Background(), nil))
		assert.Equal(t, ".", gotDir)
	})

	t.Run("wraps failures", func(t *testing.T) {
		boom := errors.New("relation already exists")
		gooseUp = func(ctx context.Context, db *sql.DB, dir string) error { return boom }

		err := RunMigrations(context.Background(), nil)
		assert.ErrorIs(t, err, boom)
	})
}

func TestDBConfig_DSN(t *testing.T) {
	cfg := &DBConfig{Host: "db", Port: "5432", User: "captions", Password: "secret", Name: "credits", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=captions password=secret dbname=credits sslmode=disable", cfg.DSN())
}
