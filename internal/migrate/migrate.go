// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package migrate provides a tiny idempotent schema-migration helper: a
// table is created once from a fixed schema string, and any later
// attempt to create it with a different schema is rejected rather than
// silently applied.
package migrate

import (
	"database/sql"
	"fmt"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// Error is the class for all migrate errors.
var Error = errs.Class("migrate")

// Rebind converts a driver-agnostic `?` placeholder query into the
// target driver's placeholder syntax (e.g. Postgres's `$1`, `$2`).
type Rebind func(sql string) string

// ddlTable is the bookkeeping table recording, for each named table
// this package has created, the exact schema it was created with.
const ddlTable = "migrate_tables"

// CreateTable creates the named table using schema if it does not yet
// exist. If name was already created by a prior call with the same
// schema, this is a no-op. If it was created with a different schema,
// or if a different name collides with an already-existing database
// table, CreateTable returns an error.
func CreateTable(db *sql.DB, rebind Rebind, name, schema string) error {
	_, err := db.Exec(rebind(`CREATE TABLE IF NOT EXISTS ` + ddlTable + ` (name TEXT UNIQUE NOT NULL, schema TEXT NOT NULL)`))
	if err != nil {
		return Error.Wrap(err)
	}

	var existing string
	row := db.QueryRow(rebind(`SELECT schema FROM `+ddlTable+` WHERE name = ?`), name)
	switch err := row.Scan(&existing); err {
	case nil:
		if existing != schema {
			return Error.New("table %q already created with a different schema", name)
		}
		return nil
	case sql.ErrNoRows:
		// fall through to create
	default:
		return Error.Wrap(err)
	}

	if _, err := db.Exec(schema); err != nil {
		return Error.New("creating table %q: %v", name, err)
	}

	_, err = db.Exec(rebind(`INSERT INTO `+ddlTable+` (name, schema) VALUES (?, ?)`), name, schema)
	if err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// DB is the narrow database handle a Step's Action runs against.
type DB interface {
	Rebind(s string) string
}

// simpleDB adapts a Rebind function to the DB interface.
type simpleDB struct {
	rebind Rebind
}

// Rebind implements DB.
func (s simpleDB) Rebind(sql string) string { return s.rebind(sql) }

// Action is one migration step's effect, run inside a transaction.
type Action interface {
	Run(log *zap.Logger, db DB, tx *sql.Tx) error
}

// SQL is an Action that executes a fixed list of statements in order.
type SQL []string

// Run implements Action.
func (stmts SQL) Run(log *zap.Logger, db DB, tx *sql.Tx) error {
	for _, stmt := range stmts {
		if _, err := tx.Exec(db.Rebind(stmt)); err != nil {
			return Error.New("executing %q: %v", stmt, err)
		}
	}
	return nil
}

// Func is an Action implemented as an arbitrary Go function, for steps
// that can't be expressed as plain SQL (e.g. moving files on disk
// alongside a schema change).
type Func func(log *zap.Logger, db DB, tx *sql.Tx) error

// Run implements Action.
func (fn Func) Run(log *zap.Logger, db DB, tx *sql.Tx) error { return fn(log, db, tx) }

// Step is one numbered unit of schema evolution.
type Step struct {
	Description string
	Version     int
	Action      Action
}

// Migration is an ordered list of Steps applied against a versions
// table that records the highest version already run. Rebind defaults
// to the identity (SQLite) rebind when left nil.
type Migration struct {
	Table  string
	Rebind Rebind
	Steps  []*Step
}

// Run applies every Step whose Version is greater than the version
// currently recorded in m.Table, in the order the Steps are listed, each
// in its own transaction. Steps are not sorted: a listed Step whose
// Version is not greater than the last one applied is skipped.
func (m *Migration) Run(log *zap.Logger, db *sql.DB) error {
	rebind := m.Rebind
	if rebind == nil {
		rebind = RebindSqlite
	}
	wrapped := simpleDB{rebind: rebind}

	_, err := db.Exec(rebind(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (version INTEGER NOT NULL)`, m.Table)))
	if err != nil {
		return Error.Wrap(err)
	}

	current, err := m.currentVersion(db, rebind)
	if err != nil {
		return err
	}

	for _, step := range m.Steps {
		if step.Version <= current {
			continue
		}
		if err := m.runStep(log, db, wrapped, rebind, step); err != nil {
			return Error.New("step %d (%s): %v", step.Version, step.Description, err)
		}
		current = step.Version
	}
	return nil
}

func (m *Migration) currentVersion(db *sql.DB, rebind Rebind) (int, error) {
	row := db.QueryRow(rebind(fmt.Sprintf(`SELECT version FROM %s ORDER BY version DESC LIMIT 1`, m.Table)))
	var version int
	switch err := row.Scan(&version); err {
	case nil:
		return version, nil
	case sql.ErrNoRows:
		return 0, nil
	default:
		return 0, Error.Wrap(err)
	}
}

func (m *Migration) runStep(log *zap.Logger, db *sql.DB, wrapped simpleDB, rebind Rebind, step *Step) error {
	tx, err := db.Begin()
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	if log != nil {
		log.Info("applying migration step", zap.Int("version", step.Version), zap.String("description", step.Description))
	}

	if err := step.Action.Run(log, wrapped, tx); err != nil {
		return err
	}
	_, err = tx.Exec(rebind(fmt.Sprintf(`INSERT INTO %s (version) VALUES (?)`, m.Table)), step.Version)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(tx.Commit())
}

// RebindSqlite is the identity rebind, for SQLite's native `?`
// placeholders.
func RebindSqlite(s string) string { return s }
