// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package dbfs is the persistent variant of the virtual filesystem,
// backed by a relational store (SQLite). It adds a hard per-object size
// ceiling and is the production backing store: one database holds the
// filesystems of many repositories, keyed by repository name.
package dbfs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/tailscale/gitvfs/vfs"
)

const schema = `
CREATE TABLE IF NOT EXISTS repo_files (
	repo TEXT NOT NULL,
	path TEXT NOT NULL,
	kind INTEGER NOT NULL,            -- 0 file, 1 directory, 2 symlink
	data BLOB NOT NULL DEFAULT x'',
	PRIMARY KEY (repo, path)
);
`

const (
	kindFile = iota
	kindDir
	kindSymlink
)

// Store is a handle on the shared database. It is safe for concurrent
// use; per-repository views are cheap and share the same *sql.DB.
type Store struct {
	db *sql.DB

	// MaxObjectSize, if positive, bounds the payload of any single
	// write. Larger writes fail with a size-limit error.
	MaxObjectSize int64
}

// Open opens (creating if needed) the store at the given SQLite path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("dbfs: open %q: %w", path, err)
	}
	return New(db)
}

// New wraps an existing database handle, ensuring the schema exists.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("dbfs: ensure schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Repo returns the filesystem view of one repository.
func (s *Store) Repo(name string) *FS {
	return &FS{store: s, repo: name}
}

// FS is one repository's view of the store.
type FS struct {
	store *Store
	repo  string
}

var (
	_ vfs.FS             = (*FS)(nil)
	_ vfs.GitObjectStore = (*FS)(nil)
)

func (f *FS) db() *sql.DB { return f.store.db }

// row looks up one entry, reporting ok=false if it does not exist.
func (f *FS) row(ctx context.Context, p string) (kind int, data []byte, ok bool, err error) {
	err = f.db().QueryRowContext(ctx,
		`SELECT kind, data FROM repo_files WHERE repo = ? AND path = ?`,
		f.repo, p).Scan(&kind, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, err
	}
	return kind, data, true, nil
}

func (f *FS) Read(ctx context.Context, p string) ([]byte, error) {
	p = vfs.Norm(p)
	if p == "" {
		return nil, &vfs.PathError{Kind: vfs.KindIsADirectory, Op: "read", Path: p}
	}
	kind, data, ok, err := f.row(ctx, p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &vfs.PathError{Kind: vfs.KindNotFound, Op: "read", Path: p}
	}
	if kind == kindDir {
		return nil, &vfs.PathError{Kind: vfs.KindIsADirectory, Op: "read", Path: p}
	}
	return data, nil
}

func (f *FS) Write(ctx context.Context, p string, data []byte) error {
	return f.put(ctx, p, data, kindFile)
}

func (f *FS) Symlink(ctx context.Context, target, p string) error {
	return f.put(ctx, p, []byte(target), kindSymlink)
}

func (f *FS) put(ctx context.Context, p string, data []byte, kind int) error {
	p = vfs.Norm(p)
	if p == "" {
		return &vfs.PathError{Kind: vfs.KindInvalidArgument, Op: "write", Path: p, Msg: "cannot write to the repository root"}
	}
	if err := f.checkSize(p, int64(len(data))); err != nil {
		return err
	}
	tx, err := f.db().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var existing int
	err = tx.QueryRowContext(ctx,
		`SELECT kind FROM repo_files WHERE repo = ? AND path = ?`, f.repo, p).Scan(&existing)
	if err == nil && existing == kindDir {
		return &vfs.PathError{Kind: vfs.KindIsADirectory, Op: "write", Path: p}
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if err := ensureDirsTx(ctx, tx, f.repo, p); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO repo_files (repo, path, kind, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT (repo, path) DO UPDATE SET kind = excluded.kind, data = excluded.data`,
		f.repo, p, kind, data); err != nil {
		return err
	}
	return tx.Commit()
}

// checkSize enforces the per-object size ceiling. For packfile paths the
// message suggests splitting the push, since an oversized incoming pack
// is by far the common trigger.
func (f *FS) checkSize(p string, n int64) error {
	max := f.store.MaxObjectSize
	if max <= 0 || n <= max {
		return nil
	}
	msg := fmt.Sprintf("object is %d bytes; the maximum allowed is %d", n, max)
	if strings.Contains(p, ".git/objects/pack/") {
		msg = fmt.Sprintf("pack is %d bytes; the maximum allowed is %d. Try splitting the push into smaller pieces.", n, max)
	}
	return &vfs.PathError{Kind: vfs.KindSizeLimit, Op: "write", Path: p, Msg: msg}
}

// ensureDirsTx creates p's missing ancestor directories inside tx,
// failing if any ancestor exists as a file.
func ensureDirsTx(ctx context.Context, tx *sql.Tx, repo, p string) error {
	for _, dir := range vfs.Ancestors(p) {
		var kind int
		err := tx.QueryRowContext(ctx,
			`SELECT kind FROM repo_files WHERE repo = ? AND path = ?`, repo, dir).Scan(&kind)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO repo_files (repo, path, kind) VALUES (?, ?, ?)`,
				repo, dir, kindDir); err != nil {
				return err
			}
		case err != nil:
			return err
		case kind != kindDir:
			return &vfs.PathError{Kind: vfs.KindNotADirectory, Op: "write", Path: dir}
		}
	}
	return nil
}

func (f *FS) Unlink(ctx context.Context, p string) error {
	p = vfs.Norm(p)
	if p == "" {
		return &vfs.PathError{Kind: vfs.KindPermissionDenied, Op: "unlink", Path: p}
	}
	kind, _, ok, err := f.row(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		return &vfs.PathError{Kind: vfs.KindNotFound, Op: "unlink", Path: p}
	}
	if kind == kindDir {
		return &vfs.PathError{Kind: vfs.KindPermissionDenied, Op: "unlink", Path: p, Msg: "target is a directory"}
	}
	_, err = f.db().ExecContext(ctx,
		`DELETE FROM repo_files WHERE repo = ? AND path = ?`, f.repo, p)
	return err
}

func (f *FS) Mkdir(ctx context.Context, p string) error {
	p = vfs.Norm(p)
	if p == "" {
		return nil // root always exists
	}
	kind, _, ok, err := f.row(ctx, p)
	if err != nil {
		return err
	}
	if ok {
		if kind == kindDir {
			return nil
		}
		return &vfs.PathError{Kind: vfs.KindAlreadyExists, Op: "mkdir", Path: p, Msg: "a file exists at this path"}
	}
	if parent := vfs.ParentOf(p); parent != "" {
		pkind, _, pok, err := f.row(ctx, parent)
		if err != nil {
			return err
		}
		if !pok {
			return &vfs.PathError{Kind: vfs.KindNotFound, Op: "mkdir", Path: parent, Msg: "parent directory missing"}
		}
		if pkind != kindDir {
			return &vfs.PathError{Kind: vfs.KindNotADirectory, Op: "mkdir", Path: parent}
		}
	}
	_, err = f.db().ExecContext(ctx,
		`INSERT INTO repo_files (repo, path, kind) VALUES (?, ?, ?)
		 ON CONFLICT (repo, path) DO NOTHING`,
		f.repo, p, kindDir)
	return err
}

func (f *FS) Rmdir(ctx context.Context, p string) error {
	p = vfs.Norm(p)
	if p == "" {
		return &vfs.PathError{Kind: vfs.KindInvalidArgument, Op: "rmdir", Path: p, Msg: "cannot remove the repository root"}
	}
	kind, _, ok, err := f.row(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		return &vfs.PathError{Kind: vfs.KindNotFound, Op: "rmdir", Path: p}
	}
	if kind != kindDir {
		return &vfs.PathError{Kind: vfs.KindNotADirectory, Op: "rmdir", Path: p}
	}
	var children int
	if err := f.db().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM repo_files WHERE repo = ? AND path LIKE ? ESCAPE '\'`,
		f.repo, likePrefix(p+"/")).Scan(&children); err != nil {
		return err
	}
	if children > 0 {
		return &vfs.PathError{Kind: vfs.KindNotEmpty, Op: "rmdir", Path: p}
	}
	_, err = f.db().ExecContext(ctx,
		`DELETE FROM repo_files WHERE repo = ? AND path = ?`, f.repo, p)
	return err
}

func (f *FS) Readdir(ctx context.Context, p string) ([]vfs.Dirent, error) {
	p = vfs.Norm(p)
	if p != "" {
		kind, _, ok, err := f.row(ctx, p)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &vfs.PathError{Kind: vfs.KindNotFound, Op: "readdir", Path: p}
		}
		if kind != kindDir {
			return nil, &vfs.PathError{Kind: vfs.KindNotADirectory, Op: "readdir", Path: p}
		}
	}
	prefix := ""
	if p != "" {
		prefix = p + "/"
	}
	rows, err := f.db().QueryContext(ctx,
		`SELECT path, kind, length(data) FROM repo_files
		 WHERE repo = ? AND path LIKE ? ESCAPE '\' ORDER BY path`,
		f.repo, likePrefix(prefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ents []vfs.Dirent
	for rows.Next() {
		var (
			childPath string
			kind      int
			size      int64
		)
		if err := rows.Scan(&childPath, &kind, &size); err != nil {
			return nil, err
		}
		rest := childPath[len(prefix):]
		if strings.ContainsRune(rest, '/') {
			continue // grandchild; its parent row will be listed
		}
		ents = append(ents, direntFor(rest, kind, size))
	}
	return ents, rows.Err()
}

func (f *FS) Stat(ctx context.Context, p string) (vfs.Dirent, error) {
	p = vfs.Norm(p)
	if p == "" {
		return vfs.Dirent{Mode: os.ModeDir | 0755}, nil
	}
	kind, data, ok, err := f.row(ctx, p)
	if err != nil {
		return vfs.Dirent{}, err
	}
	if !ok {
		return vfs.Dirent{}, &vfs.PathError{Kind: vfs.KindNotFound, Op: "stat", Path: p}
	}
	return direntFor(vfs.BaseOf(p), kind, int64(len(data))), nil
}

func (f *FS) Readlink(ctx context.Context, p string) (string, error) {
	p = vfs.Norm(p)
	kind, data, ok, err := f.row(ctx, p)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &vfs.PathError{Kind: vfs.KindNotFound, Op: "readlink", Path: p}
	}
	if kind != kindSymlink {
		return "", &vfs.PathError{Kind: vfs.KindInvalidArgument, Op: "readlink", Path: p, Msg: "not a symlink"}
	}
	return string(data), nil
}

func (f *FS) Exists(ctx context.Context, p string) (bool, error) {
	p = vfs.Norm(p)
	if p == "" {
		return true, nil
	}
	_, _, ok, err := f.row(ctx, p)
	return ok, err
}

func (f *FS) Stats(ctx context.Context) (vfs.Stats, error) {
	var st vfs.Stats
	err := f.db().QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(length(data)), 0) FROM repo_files
		 WHERE repo = ? AND kind != ?`,
		f.repo, kindDir).Scan(&st.Objects, &st.TotalBytes)
	if err != nil {
		return st, err
	}
	err = f.db().QueryRowContext(ctx,
		`SELECT path, length(data) FROM repo_files
		 WHERE repo = ? AND kind != ? ORDER BY length(data) DESC, path LIMIT 1`,
		f.repo, kindDir).Scan(&st.LargestPath, &st.LargestBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	return st, err
}

// ExportGitObjects returns every stored object under ".git/", in path
// order.
func (f *FS) ExportGitObjects(ctx context.Context) ([]vfs.GitObject, error) {
	rows, err := f.db().QueryContext(ctx,
		`SELECT path, kind, data FROM repo_files
		 WHERE repo = ? AND kind != ? AND substr(path, 1, 5) = '.git/'
		 ORDER BY path`,
		f.repo, kindDir)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objs []vfs.GitObject
	for rows.Next() {
		var o vfs.GitObject
		var kind int
		if err := rows.Scan(&o.Path, &kind, &o.Data); err != nil {
			return nil, err
		}
		if kind == kindSymlink {
			o.Mode = fs.ModeSymlink
		}
		objs = append(objs, o)
	}
	return objs, rows.Err()
}

// ImportGitObjects replaces the repository's git object set with the
// given snapshot, in a single transaction.
func (f *FS) ImportGitObjects(ctx context.Context, objs []vfs.GitObject) error {
	for _, o := range objs {
		if err := f.checkSize(o.Path, int64(len(o.Data))); err != nil {
			return err
		}
	}
	tx, err := f.db().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM repo_files WHERE repo = ? AND (path = '.git' OR substr(path, 1, 5) = '.git/')`,
		f.repo); err != nil {
		return err
	}
	for _, o := range objs {
		p := vfs.Norm(o.Path)
		if err := ensureDirsTx(ctx, tx, f.repo, p); err != nil {
			return err
		}
		kind := kindFile
		if o.Mode&fs.ModeSymlink != 0 {
			kind = kindSymlink
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO repo_files (repo, path, kind, data) VALUES (?, ?, ?, ?)
			 ON CONFLICT (repo, path) DO UPDATE SET kind = excluded.kind, data = excluded.data`,
			f.repo, p, kind, o.Data); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// likePrefix turns a literal path prefix into a LIKE pattern matching
// everything under it, escaping LIKE metacharacters.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

func direntFor(name string, kind int, size int64) vfs.Dirent {
	switch kind {
	case kindDir:
		return vfs.Dirent{Name: name, Mode: os.ModeDir | 0755}
	case kindSymlink:
		return vfs.Dirent{Name: name, Mode: os.ModeSymlink | 0644, Size: size}
	default:
		return vfs.Dirent{Name: name, Mode: 0644, Size: size}
	}
}
