package driver

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"rastertile/internal/metadata"
	"rastertile/internal/rterrors"
)

// schemaVersion is bumped whenever the on-disk table layout changes
// incompatibly; Local.Create stamps newly created databases with it.
const schemaVersion = 1

var identifierRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
var keyValueRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func validateKeyValues(values []string) error {
	for _, v := range values {
		if !keyValueRe.MatchString(v) {
			return rterrors.New(rterrors.ConfigError, "key value "+v+" does not match [A-Za-z0-9_-]+")
		}
	}
	return nil
}

// Local is a Driver backed by a single SQLite file opened with exactly
// one physical connection (SetMaxOpenConns(1)). A reference-counted
// connect() scope lets concurrent callers share that connection safely
// without re-opening the database per request, mirroring the
// single-writer discipline SQLite itself expects.
type Local struct {
	path string

	mu       sync.Mutex
	conn     *sql.DB
	refcount int
}

// NewLocal returns a driver for the SQLite database at path. Nothing is
// opened until Connect is called.
func NewLocal(path string) *Local {
	return &Local{path: path}
}

// Connect acquires the driver's single physical connection, opening it
// on the first concurrent caller and closing it once the last one
// releases. Nested/concurrent Connect calls share the same connection;
// release must be called exactly once per successful Connect.
func (l *Local) Connect(ctx context.Context) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.refcount == 0 {
		db, err := sql.Open("sqlite", l.path)
		if err != nil {
			return nil, rterrors.Wrap(rterrors.IOErrorKind, "open database "+l.path, err)
		}
		db.SetMaxOpenConns(1)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, rterrors.Wrap(rterrors.IOErrorKind, "connect to database "+l.path, err)
		}
		l.conn = db
	}
	l.refcount++

	var released bool
	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if released {
			return
		}
		released = true
		l.refcount--
		if l.refcount == 0 {
			l.conn.Close()
			l.conn = nil
		}
	}
	return release, nil
}

// db returns the live connection, or NotConnected if no Connect scope is
// currently open — every operation below is "requires connection" per
// the driver contract.
func (l *Local) db() (*sql.DB, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refcount == 0 {
		return nil, rterrors.New(rterrors.NotConnected, "operation requires an active connect() scope")
	}
	return l.conn, nil
}

// Close forces the underlying connection closed regardless of refcount,
// for use during process shutdown.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	l.refcount = 0
	return err
}

func (l *Local) Create(ctx context.Context, keys []KeyDescription) error {
	if len(keys) == 0 {
		return rterrors.New(rterrors.ConfigError, "database must declare at least one key")
	}
	for _, k := range keys {
		if !identifierRe.MatchString(k.Name) {
			return rterrors.New(rterrors.ConfigError, "invalid key name "+k.Name)
		}
	}
	db, err := l.db()
	if err != nil {
		return err
	}

	var exists int
	if err := db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='keys'`,
	).Scan(&exists); err != nil {
		return rterrors.Wrap(rterrors.IOErrorKind, "check for existing schema", err)
	}
	if exists > 0 {
		return rterrors.New(rterrors.AlreadyExists, "database already exists at "+l.path)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return rterrors.Wrap(rterrors.IOErrorKind, "begin create transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE keys (
			name        TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			ordinal     INTEGER NOT NULL UNIQUE
		)
	`); err != nil {
		return rterrors.Wrap(rterrors.IOErrorKind, "create keys table", err)
	}

	for i, k := range keys {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO keys (name, description, ordinal) VALUES (?, ?, ?)`,
			k.Name, k.Description, i,
		); err != nil {
			return rterrors.Wrap(rterrors.IOErrorKind, "insert key "+k.Name, err)
		}
	}

	var cols strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&cols, "key_%s TEXT NOT NULL,\n", k.Name)
	}
	createDatasets := fmt.Sprintf(`
		CREATE TABLE datasets (
			seq           INTEGER PRIMARY KEY AUTOINCREMENT,
			%s
			path          TEXT NOT NULL,
			bounds        TEXT NOT NULL,
			nodata        REAL NOT NULL,
			range_min     REAL,
			range_max     REAL,
			mean          REAL,
			stdev         REAL,
			percentiles   TEXT,
			metadata      TEXT NOT NULL
		)
	`, cols.String())
	if _, err := tx.ExecContext(ctx, createDatasets); err != nil {
		return rterrors.Wrap(rterrors.IOErrorKind, "create datasets table", err)
	}

	keyCols := make([]string, len(keys))
	for i, k := range keys {
		keyCols[i] = "key_" + k.Name
	}
	idx := fmt.Sprintf(`CREATE UNIQUE INDEX datasets_keys ON datasets (%s)`, strings.Join(keyCols, ", "))
	if _, err := tx.ExecContext(ctx, idx); err != nil {
		return rterrors.Wrap(rterrors.IOErrorKind, "create dataset key index", err)
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE terracotta (
			schema_version INTEGER NOT NULL,
			db_hash        TEXT NOT NULL
		)
	`); err != nil {
		return rterrors.Wrap(rterrors.IOErrorKind, "create terracotta table", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO terracotta (schema_version, db_hash) VALUES (?, ?)`, schemaVersion, "",
	); err != nil {
		return rterrors.Wrap(rterrors.IOErrorKind, "seed terracotta table", err)
	}

	return tx.Commit()
}

func (l *Local) Keys(ctx context.Context) ([]KeyDescription, error) {
	db, err := l.db()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT name, description FROM keys ORDER BY ordinal`)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.IOErrorKind, "query keys", err)
	}
	defer rows.Close()

	var out []KeyDescription
	for rows.Next() {
		var k KeyDescription
		if err := rows.Scan(&k.Name, &k.Description); err != nil {
			return nil, rterrors.Wrap(rterrors.IOErrorKind, "scan key row", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (l *Local) Insert(ctx context.Context, keyValues []string, path string, opts InsertOptions) error {
	keys, err := l.Keys(ctx)
	if err != nil {
		return err
	}
	if len(keyValues) != len(keys) {
		return rterrors.New(rterrors.UnknownKey, "expected a value for every declared key")
	}
	if err := validateKeyValues(keyValues); err != nil {
		return err
	}

	var m *metadata.Result
	if !opts.SkipMetadata {
		computed, err := metadata.Compute(path, metadata.Options{
			ExtraMetadata: opts.Metadata,
			Warnings:      opts.Warnings,
		})
		if err != nil {
			return err
		}
		m = computed
	} else {
		meta := opts.Metadata
		if meta == nil {
			meta = map[string]string{}
		}
		m = &metadata.Result{Metadata: meta}
	}

	storedPath := path
	if opts.OverridePath != "" {
		storedPath = opts.OverridePath
	}

	db, err := l.db()
	if err != nil {
		return err
	}

	boundsJSON, err := json.Marshal(m.Bounds)
	if err != nil {
		return rterrors.Wrap(rterrors.IOErrorKind, "marshal bounds", err)
	}
	pctsJSON, err := json.Marshal(m.Percentiles)
	if err != nil {
		return rterrors.Wrap(rterrors.IOErrorKind, "marshal percentiles", err)
	}
	metaJSON, err := json.Marshal(m.Metadata)
	if err != nil {
		return rterrors.Wrap(rterrors.IOErrorKind, "marshal metadata", err)
	}

	keyCols := make([]string, len(keys))
	placeholders := make([]string, len(keys))
	args := make([]interface{}, 0, len(keys)+8)
	for i, k := range keys {
		keyCols[i] = "key_" + k.Name
		placeholders[i] = "?"
		args = append(args, keyValues[i])
	}
	args = append(args, storedPath, string(boundsJSON), m.NoData, m.Range[0], m.Range[1], m.Mean, m.Stdev, string(pctsJSON), string(metaJSON))

	stmt := fmt.Sprintf(`
		INSERT OR REPLACE INTO datasets (%s, path, bounds, nodata, range_min, range_max, mean, stdev, percentiles, metadata)
		VALUES (%s, ?, ?, ?, ?, ?, ?, ?, ?)
	`, strings.Join(keyCols, ", "), strings.Join(placeholders, ", "))

	if _, err := db.ExecContext(ctx, stmt, args...); err != nil {
		return rterrors.Wrap(rterrors.IOErrorKind, "insert dataset", err)
	}
	return l.stampHash(ctx, db)
}

func (l *Local) Delete(ctx context.Context, keyValues []string) error {
	keys, err := l.Keys(ctx)
	if err != nil {
		return err
	}
	if len(keyValues) != len(keys) {
		return rterrors.New(rterrors.UnknownKey, "expected a value for every declared key")
	}
	if err := validateKeyValues(keyValues); err != nil {
		return err
	}

	db, err := l.db()
	if err != nil {
		return err
	}

	where, args := whereClause(keys, keyValues)
	res, err := db.ExecContext(ctx, "DELETE FROM datasets WHERE "+where, args...)
	if err != nil {
		return rterrors.Wrap(rterrors.IOErrorKind, "delete dataset", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return rterrors.Wrap(rterrors.IOErrorKind, "check delete result", err)
	}
	if n == 0 {
		return rterrors.New(rterrors.UnknownDataset, "no dataset registered under given keys")
	}
	return l.stampHash(ctx, db)
}

func (l *Local) Get(ctx context.Context, keyValues []string) (*Dataset, error) {
	keys, err := l.Keys(ctx)
	if err != nil {
		return nil, err
	}
	if len(keyValues) != len(keys) {
		return nil, rterrors.New(rterrors.UnknownKey, "expected a value for every declared key")
	}
	if err := validateKeyValues(keyValues); err != nil {
		return nil, err
	}

	db, err := l.db()
	if err != nil {
		return nil, err
	}

	where, args := whereClause(keys, keyValues)
	row := db.QueryRowContext(ctx, selectDatasetSQL(keys)+" WHERE "+where, args...)
	ds, err := scanDataset(row, keys)
	if err == sql.ErrNoRows {
		return nil, rterrors.New(rterrors.UnknownDataset, "no dataset registered under given keys")
	}
	if err != nil {
		return nil, err
	}
	return ds, nil
}

func (l *Local) Datasets(ctx context.Context, where map[string]string, limit, offset int) ([]Dataset, error) {
	keys, err := l.Keys(ctx)
	if err != nil {
		return nil, err
	}

	db, err := l.db()
	if err != nil {
		return nil, err
	}

	whereSQL, args, err := whereClauseFromMap(keys, where)
	if err != nil {
		return nil, err
	}
	q := selectDatasetSQL(keys)
	if whereSQL != "" {
		q += " WHERE " + whereSQL
	}
	q += " ORDER BY seq"
	if limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.IOErrorKind, "query datasets", err)
	}
	defer rows.Close()

	var out []Dataset
	for rows.Next() {
		ds, err := scanDataset(rows, keys)
		if err != nil {
			return nil, err
		}
		out = append(out, *ds)
	}
	return out, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func selectDatasetSQL(keys []KeyDescription) string {
	cols := make([]string, len(keys))
	for i, k := range keys {
		cols[i] = "key_" + k.Name
	}
	return fmt.Sprintf(
		"SELECT %s, path, bounds, nodata, range_min, range_max, mean, stdev, percentiles, metadata FROM datasets",
		strings.Join(cols, ", "),
	)
}

func scanDataset(s scanner, keys []KeyDescription) (*Dataset, error) {
	keyVals := make([]string, len(keys))
	scanArgs := make([]interface{}, 0, len(keys)+8)
	for i := range keys {
		scanArgs = append(scanArgs, &keyVals[i])
	}
	var (
		path, boundsJSON, pctsJSON, metaJSON string
		nodata, rangeMin, rangeMax, mean, stdev sql.NullFloat64
	)
	scanArgs = append(scanArgs, &path, &boundsJSON, &nodata, &rangeMin, &rangeMax, &mean, &stdev, &pctsJSON, &metaJSON)

	if err := s.Scan(scanArgs...); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, rterrors.Wrap(rterrors.IOErrorKind, "scan dataset row", err)
	}

	ds := &Dataset{Keys: keyVals, Path: path, NoData: nodata.Float64}
	if err := json.Unmarshal([]byte(boundsJSON), &ds.Bounds); err != nil {
		return nil, rterrors.Wrap(rterrors.IOErrorKind, "unmarshal bounds", err)
	}
	if pctsJSON != "" {
		if err := json.Unmarshal([]byte(pctsJSON), &ds.Percentiles); err != nil {
			return nil, rterrors.Wrap(rterrors.IOErrorKind, "unmarshal percentiles", err)
		}
	}
	ds.Metadata = map[string]string{}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &ds.Metadata); err != nil {
			return nil, rterrors.Wrap(rterrors.IOErrorKind, "unmarshal metadata", err)
		}
	}
	ds.Range = [2]float64{rangeMin.Float64, rangeMax.Float64}
	ds.Mean = mean.Float64
	ds.Stdev = stdev.Float64
	return ds, nil
}

func whereClause(keys []KeyDescription, values []string) (string, []interface{}) {
	clauses := make([]string, len(values))
	args := make([]interface{}, len(values))
	for i, k := range keys[:len(values)] {
		clauses[i] = "key_" + k.Name + " = ?"
		args[i] = values[i]
	}
	return strings.Join(clauses, " AND "), args
}

// whereClauseFromMap builds an equality predicate over an arbitrary subset
// of declared key names (Datasets' "where" filter), rejecting any name not
// present in the declared schema. Clauses are emitted in declared key
// order regardless of map iteration order, so the generated SQL (and any
// query-plan caching around it) is deterministic.
func whereClauseFromMap(keys []KeyDescription, where map[string]string) (string, []interface{}, error) {
	if len(where) == 0 {
		return "", nil, nil
	}
	known := make(map[string]bool, len(keys))
	for _, k := range keys {
		known[k.Name] = true
	}
	for name := range where {
		if !known[name] {
			return "", nil, rterrors.New(rterrors.UnknownKey, "unknown key "+name)
		}
	}

	var clauses []string
	var args []interface{}
	for _, k := range keys {
		v, ok := where[k.Name]
		if !ok {
			continue
		}
		clauses = append(clauses, "key_"+k.Name+" = ?")
		args = append(args, v)
	}
	return strings.Join(clauses, " AND "), args, nil
}

// stampHash recomputes the file's content hash into the terracotta
// table. driver.Remote does not read it: its conditional GET replays
// the ETag S3 returned on the last fetch.
func (l *Local) stampHash(ctx context.Context, db *sql.DB) error {
	hash, err := fileHash(l.path)
	if err != nil {
		return rterrors.Wrap(rterrors.IOErrorKind, "hash database file", err)
	}
	_, err = db.ExecContext(ctx, `UPDATE terracotta SET db_hash = ?`, hash)
	if err != nil {
		return rterrors.Wrap(rterrors.IOErrorKind, "stamp database hash", err)
	}
	return nil
}

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
