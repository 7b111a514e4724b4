package kiln

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"shanhu.io/misc/errcode"
	_ "modernc.org/sqlite" // sql driver
)

const cacheSchema = `
CREATE TABLE IF NOT EXISTS entries (
	fingerprint TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	tree TEXT NOT NULL DEFAULT '',
	packages TEXT,
	exit_meta TEXT,
	created INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS artifacts (
	fingerprint TEXT NOT NULL,
	idx INTEGER NOT NULL,
	path TEXT NOT NULL,
	content BLOB NOT NULL,
	PRIMARY KEY (fingerprint, idx)
);
`

// sqliteStore persists cache entries. It is safe to share between build
// processes on the same machine.
type sqliteStore struct {
	db *sql.DB
}

func openSqliteStore(f string) (*sqliteStore, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"+
			"&_pragma=synchronous(NORMAL)",
		f,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errcode.Annotate(err, "open database")
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, errcode.Annotate(err, "init schema")
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) close() error { return s.db.Close() }

func marshalNullable(v interface{}, empty bool) (sql.NullString, error) {
	if empty {
		return sql.NullString{}, nil
	}
	bs, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bs), Valid: true}, nil
}

func (s *sqliteStore) put(e *CacheEntry) error {
	packages, err := marshalNullable(e.Packages, e.Packages == nil)
	if err != nil {
		return errcode.Annotate(err, "marshal packages")
	}
	exit, err := marshalNullable(e.Exit, e.Exit == nil)
	if err != nil {
		return errcode.Annotate(err, "marshal exit meta")
	}

	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errcode.Annotate(err, "begin")
	}
	defer tx.Rollback()

	ret, err := tx.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO entries
			(fingerprint, kind, tree, packages, exit_meta, created)
			VALUES (?, ?, ?, ?, ?, ?)`,
		string(e.Fingerprint), string(e.Kind), e.Tree, packages, exit,
		e.Created.UnixNano(),
	)
	if err != nil {
		return errcode.Annotate(err, "insert entry")
	}
	n, err := ret.RowsAffected()
	if err != nil {
		return errcode.Annotate(err, "rows affected")
	}
	if n == 0 { // written by another build process
		return tx.Commit()
	}

	for i, a := range e.Artifacts {
		content := a.Content
		if content == nil {
			content = []byte{}
		}
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO artifacts (fingerprint, idx, path, content)
				VALUES (?, ?, ?, ?)`,
			string(e.Fingerprint), i, a.Path, content,
		); err != nil {
			return errcode.Annotatef(err, "insert artifact %q", a.Path)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) get(fp Fingerprint) (*CacheEntry, error) {
	ctx := context.Background()
	row := s.db.QueryRowContext(
		ctx,
		`SELECT kind, tree, packages, exit_meta, created
			FROM entries WHERE fingerprint = ?`,
		string(fp),
	)

	e := &CacheEntry{Fingerprint: fp}
	var kind string
	var packages, exit sql.NullString
	var created int64
	if err := row.Scan(&kind, &e.Tree, &packages, &exit, &created); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errcode.Annotate(err, "query entry")
	}
	e.Kind = TargetKind(kind)
	e.Created = time.Unix(0, created)
	if packages.Valid {
		if err := json.Unmarshal([]byte(packages.String), &e.Packages); err != nil {
			return nil, errcode.Annotate(err, "unmarshal packages")
		}
	}
	if exit.Valid {
		e.Exit = new(ExitMeta)
		if err := json.Unmarshal([]byte(exit.String), e.Exit); err != nil {
			return nil, errcode.Annotate(err, "unmarshal exit meta")
		}
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT path, content FROM artifacts
			WHERE fingerprint = ? ORDER BY idx`,
		string(fp),
	)
	if err != nil {
		return nil, errcode.Annotate(err, "query artifacts")
	}
	defer rows.Close()
	for rows.Next() {
		a := new(Artifact)
		if err := rows.Scan(&a.Path, &a.Content); err != nil {
			return nil, errcode.Annotate(err, "scan artifact")
		}
		e.Artifacts = append(e.Artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errcode.Annotate(err, "iterate artifacts")
	}
	return e, nil
}

func (s *sqliteStore) remove(fp Fingerprint) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errcode.Annotate(err, "begin")
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM artifacts WHERE fingerprint = ?`,
		`DELETE FROM entries WHERE fingerprint = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, string(fp)); err != nil {
			return errcode.Annotate(err, "delete")
		}
	}
	return tx.Commit()
}
