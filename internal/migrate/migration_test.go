// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package migrate_test

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	_ "github.com/mattn/go-sqlite3"

	"diamond.io/diamond/internal/migrate"
)

func openMemDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, db.Close()) })
	return db
}

func TestMigration_AppliesStepsInOrderOnce(t *testing.T) {
	db := openMemDB(t)
	log := zaptest.NewLogger(t)

	var funcRuns int
	seed := migrate.Func(func(log *zap.Logger, d migrate.DB, tx *sql.Tx) error {
		funcRuns++
		_, err := tx.Exec(d.Rebind(`INSERT INTO widgets (id) VALUES (?)`), "a")
		return err
	})

	newMigration := func() *migrate.Migration {
		return &migrate.Migration{
			Table: "versions",
			Steps: []*migrate.Step{
				{Version: 1, Description: "create widgets", Action: migrate.SQL{
					`CREATE TABLE widgets (id TEXT)`,
				}},
				{Version: 2, Description: "seed a widget", Action: seed},
			},
		}
	}

	require.NoError(t, newMigration().Run(log, db))
	assert.Equal(t, 1, funcRuns)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM widgets`).Scan(&count))
	assert.Equal(t, 1, count)

	// Running again must not re-apply already-applied steps.
	require.NoError(t, newMigration().Run(log, db))
	assert.Equal(t, 1, funcRuns, "steps already recorded in the versions table must not rerun")

	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM widgets`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestMigration_PartialVersionResumesFromCurrent(t *testing.T) {
	db := openMemDB(t)
	log := zaptest.NewLogger(t)

	first := &migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{Version: 1, Description: "create widgets", Action: migrate.SQL{`CREATE TABLE widgets (id TEXT)`}},
		},
	}
	require.NoError(t, first.Run(log, db))

	second := &migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{Version: 1, Description: "create widgets", Action: migrate.SQL{`CREATE TABLE widgets (id TEXT)`}},
			{Version: 2, Description: "add column", Action: migrate.SQL{`ALTER TABLE widgets ADD COLUMN name TEXT`}},
		},
	}
	require.NoError(t, second.Run(log, db))

	_, err := db.Exec(`INSERT INTO widgets (id, name) VALUES (?, ?)`, "a", "widget-a")
	assert.NoError(t, err)
}
