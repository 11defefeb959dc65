// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package resultcache implements the persistent filter-result cache
// (spec §4.E): a relational store of past filter verdicts keyed by the
// attribute signatures a filter actually read, so that an object whose
// attributes match a past evaluation can skip re-running the filter.
package resultcache

import (
	"context"
	"database/sql"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"

	"diamond.io/diamond/internal/migrate"
	"diamond.io/diamond/pkg/diamond"
)

// Error is the class for all resultcache errors.
var Error = errs.Class("resultcache")

const (
	tableAttrs        = "attrs"
	tableCache        = "cache"
	tableInputAttrs   = "input_attrs"
	tableOutputAttrs  = "output_attrs"
	tableInitialAttrs = "initial_attrs"
	tableInitialSeen  = "initial_seen"
)

// Store is the persistent half of the result cache (the `cache`,
// `attrs`, `input_attrs`, `output_attrs`, and `initial_attrs` tables
// of spec §4.E). It does not hold `current_attrs`: that table is
// explicitly scoped to an in-memory, per-search lifetime and is
// handled by QueryAttrs.
type Store struct {
	log *zap.Logger
	db  *sql.DB
}

// Open opens or creates a result cache database at path (a SQLite
// file, or ":memory:" for a transient store), creating its schema if
// necessary.
func Open(log *zap.Logger, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	// SQLite only supports one writer at a time; result cache writes
	// are already serialized by Store's own mutex-free design (each
	// write is one self-contained transaction), so a single connection
	// avoids SQLITE_BUSY without needing a connection pool.
	db.SetMaxOpenConns(1)

	s := &Store{log: log, db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schemas := map[string]string{
		tableAttrs: `CREATE TABLE attrs (
			attr_id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			sig BLOB NOT NULL,
			UNIQUE(name, sig)
		)`,
		tableCache: `CREATE TABLE cache (
			entry_id INTEGER PRIMARY KEY AUTOINCREMENT,
			filter_sig BLOB NOT NULL,
			object_sig BLOB NOT NULL,
			verdict REAL NOT NULL
		); CREATE INDEX cache_filter_object ON cache(filter_sig, object_sig)`,
		tableInputAttrs: `CREATE TABLE input_attrs (
			entry_id INTEGER NOT NULL,
			attr_id INTEGER NOT NULL
		)`,
		tableOutputAttrs: `CREATE TABLE output_attrs (
			entry_id INTEGER NOT NULL,
			attr_id INTEGER NOT NULL
		)`,
		tableInitialAttrs: `CREATE TABLE initial_attrs (
			object_sig BLOB NOT NULL,
			attr_id INTEGER NOT NULL
		)`,
		// tableInitialSeen marks that an object_sig's initial set has
		// been captured, even if that set happened to be empty
		// (distinguishing "known empty" from "never primed").
		tableInitialSeen: `CREATE TABLE initial_seen (
			object_sig BLOB PRIMARY KEY
		)`,
	}
	for _, name := range []string{tableAttrs, tableCache, tableInputAttrs, tableOutputAttrs, tableInitialAttrs, tableInitialSeen} {
		if err := migrate.CreateTable(s.db, migrate.RebindSqlite, name, schemas[name]); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return Error.Wrap(s.db.Close())
}

// internAttr returns the attr_id for (name, sig), inserting it if this
// is the first time this exact (name, sig) pair has been seen.
func internAttr(tx *sql.Tx, pair diamond.AttrSigPair) (int64, error) {
	sig := pair.Sig.Bytes()

	var id int64
	row := tx.QueryRow(`SELECT attr_id FROM attrs WHERE name = ? AND sig = ?`, pair.Name, sig)
	switch err := row.Scan(&id); err {
	case nil:
		return id, nil
	case sql.ErrNoRows:
		// fall through to insert
	default:
		return 0, Error.Wrap(err)
	}

	res, err := tx.Exec(`INSERT INTO attrs (name, sig) VALUES (?, ?)`, pair.Name, sig)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return res.LastInsertId()
}

// internAttrSet interns every pair of set and returns their attr_ids.
func internAttrSet(tx *sql.Tx, set diamond.AttrSigSet) ([]int64, error) {
	ids := make([]int64, 0, set.Len())
	for _, pair := range set.Pairs() {
		id, err := internAttr(tx, pair)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Lookup implements stage-1 cache resolution (spec §4.E "Stage-1
// lookup"): it finds a cache entry for (objectSig, filterSig) whose
// input attribute set is a subset of current, and if found returns its
// verdict and output attribute set. Any matching entry is a valid
// answer, by the determinism invariant, so the first one found is
// returned.
func (s *Store) Lookup(ctx context.Context, objectSig, filterSig diamond.Signature, current diamond.AttrSigSet) (verdict float64, output diamond.AttrSigSet, found bool, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entry_id, verdict FROM cache WHERE filter_sig = ? AND object_sig = ?`,
		filterSig.Bytes(), objectSig.Bytes())
	if err != nil {
		return 0, diamond.AttrSigSet{}, false, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	type candidate struct {
		entryID int64
		verdict float64
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.entryID, &c.verdict); err != nil {
			return 0, diamond.AttrSigSet{}, false, Error.Wrap(err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return 0, diamond.AttrSigSet{}, false, Error.Wrap(err)
	}

	for _, c := range candidates {
		inputSet, err := s.loadJoinedSet(ctx, tableInputAttrs, c.entryID)
		if err != nil {
			return 0, diamond.AttrSigSet{}, false, err
		}
		if !inputSet.IsSubsetOf(current) {
			continue
		}
		outputSet, err := s.loadJoinedSet(ctx, tableOutputAttrs, c.entryID)
		if err != nil {
			return 0, diamond.AttrSigSet{}, false, err
		}
		return c.verdict, outputSet, true, nil
	}
	return 0, diamond.AttrSigSet{}, false, nil
}

func (s *Store) loadJoinedSet(ctx context.Context, joinTable string, entryID int64) (diamond.AttrSigSet, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT a.name, a.sig FROM `+joinTable+` j JOIN attrs a ON a.attr_id = j.attr_id WHERE j.entry_id = ?`, entryID)
	if err != nil {
		return diamond.AttrSigSet{}, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var pairs []diamond.AttrSigPair
	for rows.Next() {
		var name string
		var sig []byte
		if err := rows.Scan(&name, &sig); err != nil {
			return diamond.AttrSigSet{}, Error.Wrap(err)
		}
		s, err := diamond.SignatureFromBytes(sig)
		if err != nil {
			return diamond.AttrSigSet{}, Error.Wrap(err)
		}
		pairs = append(pairs, diamond.AttrSigPair{Name: name, Sig: s})
	}
	if err := rows.Err(); err != nil {
		return diamond.AttrSigSet{}, Error.Wrap(err)
	}
	return diamond.NewAttrSigSet(pairs...), nil
}

// InsertEntry implements stage-2 cache insertion (spec §4.E "Stage-2
// insertion"): it records that running filterSig against objectSig,
// having read input and having written output, produced verdict.
func (s *Store) InsertEntry(ctx context.Context, objectSig, filterSig diamond.Signature, input, output diamond.AttrSigSet, verdict float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	inputIDs, err := internAttrSet(tx, input)
	if err != nil {
		return err
	}
	outputIDs, err := internAttrSet(tx, output)
	if err != nil {
		return err
	}

	res, err := tx.Exec(`INSERT INTO cache (filter_sig, object_sig, verdict) VALUES (?, ?, ?)`,
		filterSig.Bytes(), objectSig.Bytes(), verdict)
	if err != nil {
		return Error.Wrap(err)
	}
	entryID, err := res.LastInsertId()
	if err != nil {
		return Error.Wrap(err)
	}

	for _, id := range inputIDs {
		if _, err := tx.Exec(`INSERT INTO input_attrs (entry_id, attr_id) VALUES (?, ?)`, entryID, id); err != nil {
			return Error.Wrap(err)
		}
	}
	for _, id := range outputIDs {
		if _, err := tx.Exec(`INSERT INTO output_attrs (entry_id, attr_id) VALUES (?, ?)`, entryID, id); err != nil {
			return Error.Wrap(err)
		}
	}

	return Error.Wrap(tx.Commit())
}

// Known reports whether objectSig already has a recorded initial
// attribute set (spec §4.E "Priming") and, if so, returns it. Callers
// use this to decide whether an object's body must be freshly fetched
// before priming (first encounter) or whether the recorded set can be
// used directly (a previously-seen object).
func (s *Store) Known(ctx context.Context, objectSig diamond.Signature) (diamond.AttrSigSet, bool, error) {
	var exists int
	row := s.db.QueryRowContext(ctx, `SELECT 1 FROM `+tableInitialSeen+` WHERE object_sig = ?`, objectSig.Bytes())
	switch err := row.Scan(&exists); err {
	case nil:
		// fall through
	case sql.ErrNoRows:
		return diamond.AttrSigSet{}, false, nil
	default:
		return diamond.AttrSigSet{}, false, Error.Wrap(err)
	}

	existing, err := s.initialAttrs(ctx, objectSig)
	if err != nil {
		return diamond.AttrSigSet{}, false, err
	}
	return existing, true, nil
}

// PrimeInitialAttrs implements spec §4.E "Priming": it records seed as
// the attribute signature set objectSig had when first fetched, and
// returns it. Calling it again for the same objectSig is a no-op that
// returns the originally recorded set, ignoring the new seed.
func (s *Store) PrimeInitialAttrs(ctx context.Context, objectSig diamond.Signature, seed diamond.AttrSigSet) (diamond.AttrSigSet, error) {
	if existing, known, err := s.Known(ctx, objectSig); err != nil {
		return diamond.AttrSigSet{}, err
	} else if known {
		return existing, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return diamond.AttrSigSet{}, Error.Wrap(err)
	}
	defer func() { _ = tx.Rollback() }()

	ids, err := internAttrSet(tx, seed)
	if err != nil {
		return diamond.AttrSigSet{}, err
	}
	for _, id := range ids {
		if _, err := tx.Exec(`INSERT INTO initial_attrs (object_sig, attr_id) VALUES (?, ?)`, objectSig.Bytes(), id); err != nil {
			return diamond.AttrSigSet{}, Error.Wrap(err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO `+tableInitialSeen+` (object_sig) VALUES (?)`, objectSig.Bytes()); err != nil {
		return diamond.AttrSigSet{}, Error.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return diamond.AttrSigSet{}, Error.Wrap(err)
	}
	return seed, nil
}

func (s *Store) initialAttrs(ctx context.Context, objectSig diamond.Signature) (diamond.AttrSigSet, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT a.name, a.sig FROM initial_attrs i JOIN attrs a ON a.attr_id = i.attr_id WHERE i.object_sig = ?`, objectSig.Bytes())
	if err != nil {
		return diamond.AttrSigSet{}, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()

	var pairs []diamond.AttrSigPair
	for rows.Next() {
		var name string
		var sig []byte
		if err := rows.Scan(&name, &sig); err != nil {
			return diamond.AttrSigSet{}, Error.Wrap(err)
		}
		parsed, err := diamond.SignatureFromBytes(sig)
		if err != nil {
			return diamond.AttrSigSet{}, Error.Wrap(err)
		}
		pairs = append(pairs, diamond.AttrSigPair{Name: name, Sig: parsed})
	}
	if err := rows.Err(); err != nil {
		return diamond.AttrSigSet{}, Error.Wrap(err)
	}
	return diamond.NewAttrSigSet(pairs...), nil
}
