// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package vfs

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"path"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
)

// BillyFS adapts an FS to billy.Filesystem so the go-git object-model
// engine can consume the virtual filesystem as if it were a real disk.
//
// A BillyFS is request-scoped: it carries the context its operations run
// under, since the billy interface has none. Files buffer their contents
// in memory and persist on Close.
type BillyFS struct {
	ctx  context.Context
	fs   FS
	root string // normalized prefix the adapter is rooted at, e.g. ".git"
}

// NewBillyFS returns a billy view of fsys rooted at root.
func NewBillyFS(ctx context.Context, fsys FS, root string) *BillyFS {
	return &BillyFS{ctx: ctx, fs: fsys, root: Norm(root)}
}

var (
	_ billy.Filesystem = (*BillyFS)(nil)
	_ billy.Capable    = (*BillyFS)(nil)
)

func (b *BillyFS) Capabilities() billy.Capability { return billy.DefaultCapabilities }

func (b *BillyFS) path(name string) string {
	return path.Join(b.root, strings.TrimPrefix(name, "/"))
}

// osErr converts a *PathError into the *io/fs.PathError shape go-git
// expects, so its os.IsNotExist checks keep working.
func osErr(op string, err error) error {
	pe, ok := err.(*PathError)
	if !ok {
		return err
	}
	var sentinel error
	switch pe.Kind {
	case KindNotFound:
		sentinel = fs.ErrNotExist
	case KindAlreadyExists:
		sentinel = fs.ErrExist
	case KindPermissionDenied, KindIsADirectory:
		sentinel = fs.ErrPermission
	case KindInvalidArgument:
		sentinel = fs.ErrInvalid
	default:
		sentinel = pe
	}
	return &fs.PathError{Op: op, Path: pe.Path, Err: sentinel}
}

func (b *BillyFS) Create(name string) (billy.File, error) {
	return b.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

func (b *BillyFS) Open(name string) (billy.File, error) {
	return b.OpenFile(name, os.O_RDONLY, 0)
}

func (b *BillyFS) OpenFile(name string, flag int, _ os.FileMode) (billy.File, error) {
	full := b.path(name)
	data, err := b.fs.Read(b.ctx, full)
	switch {
	case err == nil:
		if flag&os.O_EXCL != 0 {
			return nil, &fs.PathError{Op: "open", Path: full, Err: fs.ErrExist}
		}
	case IsNotFound(err):
		if flag&os.O_CREATE == 0 {
			return nil, osErr("open", err)
		}
		data = nil
	default:
		return nil, osErr("open", err)
	}

	f := &billyFile{
		b:    b,
		name: name,
		full: full,
		flag: flag,
		data: data,
	}
	if flag&os.O_TRUNC != 0 {
		f.data = nil
		f.dirty = true
	}
	if IsNotFound(err) {
		f.dirty = true // new file: persist even if nothing is written
	}
	if flag&os.O_APPEND != 0 {
		f.off = int64(len(f.data))
	}
	return f, nil
}

func (b *BillyFS) Stat(name string) (os.FileInfo, error) {
	full := b.path(name)
	de, err := b.fs.Stat(b.ctx, full)
	if err != nil {
		return nil, osErr("stat", err)
	}
	return billyFileInfo{name: path.Base(path.Join("/", name)), de: de}, nil
}

func (b *BillyFS) Lstat(name string) (os.FileInfo, error) { return b.Stat(name) }

func (b *BillyFS) Rename(oldpath, newpath string) error {
	oldFull, newFull := b.path(oldpath), b.path(newpath)
	data, err := b.fs.Read(b.ctx, oldFull)
	if err != nil {
		return osErr("rename", err)
	}
	if err := b.fs.Write(b.ctx, newFull, data); err != nil {
		return osErr("rename", err)
	}
	if err := b.fs.Unlink(b.ctx, oldFull); err != nil {
		return osErr("rename", err)
	}
	return nil
}

func (b *BillyFS) Remove(name string) error {
	full := b.path(name)
	de, err := b.fs.Stat(b.ctx, full)
	if err != nil {
		return osErr("remove", err)
	}
	if de.Mode.IsDir() {
		err = b.fs.Rmdir(b.ctx, full)
	} else {
		err = b.fs.Unlink(b.ctx, full)
	}
	if err != nil {
		return osErr("remove", err)
	}
	return nil
}

func (b *BillyFS) Join(elem ...string) string { return path.Join(elem...) }

func (b *BillyFS) TempFile(dir, prefix string) (billy.File, error) {
	for range 10 {
		name := path.Join(dir, fmt.Sprintf("%s%08x", prefix, rand.Uint32()))
		f, err := b.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
		if err == nil {
			return f, nil
		}
	}
	return nil, &fs.PathError{Op: "tempfile", Path: dir, Err: fs.ErrExist}
}

func (b *BillyFS) ReadDir(name string) ([]os.FileInfo, error) {
	ents, err := b.fs.Readdir(b.ctx, b.path(name))
	if err != nil {
		return nil, osErr("readdir", err)
	}
	fis := make([]os.FileInfo, len(ents))
	for i, de := range ents {
		fis[i] = billyFileInfo{name: de.Name, de: de}
	}
	return fis, nil
}

func (b *BillyFS) MkdirAll(name string, _ os.FileMode) error {
	full := b.path(name)
	if full == "" {
		return nil
	}
	for _, dir := range append(Ancestors(full), full) {
		if err := b.fs.Mkdir(b.ctx, dir); err != nil {
			return osErr("mkdir", err)
		}
	}
	return nil
}

func (b *BillyFS) Symlink(target, link string) error {
	if err := b.fs.Symlink(b.ctx, target, b.path(link)); err != nil {
		return osErr("symlink", err)
	}
	return nil
}

func (b *BillyFS) Readlink(link string) (string, error) {
	target, err := b.fs.Readlink(b.ctx, b.path(link))
	if err != nil {
		return "", osErr("readlink", err)
	}
	return target, nil
}

func (b *BillyFS) Chroot(p string) (billy.Filesystem, error) {
	return &BillyFS{ctx: b.ctx, fs: b.fs, root: b.path(p)}, nil
}

func (b *BillyFS) Root() string { return "/" + b.root }

// billyFile is an in-memory handle over one stored object. Mutations
// accumulate in data and are written back on Close.
type billyFile struct {
	b      *BillyFS
	name   string
	full   string
	flag   int
	data   []byte
	off    int64
	dirty  bool
	closed bool
}

var _ billy.File = (*billyFile)(nil)

func (f *billyFile) Name() string { return f.name }

func (f *billyFile) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.off)
	f.off += int64(n)
	return n, err
}

func (f *billyFile) ReadAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, os.ErrClosed
	}
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *billyFile) Seek(offset int64, whence int) (int64, error) {
	if f.closed {
		return 0, os.ErrClosed
	}
	switch whence {
	case io.SeekStart:
		f.off = offset
	case io.SeekCurrent:
		f.off += offset
	case io.SeekEnd:
		f.off = int64(len(f.data)) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	return f.off, nil
}

func (f *billyFile) Write(p []byte) (int, error) {
	if f.closed {
		return 0, os.ErrClosed
	}
	if f.flag&(os.O_WRONLY|os.O_RDWR) == 0 {
		return 0, &fs.PathError{Op: "write", Path: f.full, Err: fs.ErrPermission}
	}
	if need := f.off + int64(len(p)); need > int64(len(f.data)) {
		f.data = append(f.data, make([]byte, need-int64(len(f.data)))...)
	}
	copy(f.data[f.off:], p)
	f.off += int64(len(p))
	f.dirty = true
	return len(p), nil
}

func (f *billyFile) Truncate(size int64) error {
	if f.closed {
		return os.ErrClosed
	}
	if size <= int64(len(f.data)) {
		f.data = f.data[:size]
	} else {
		f.data = append(f.data, make([]byte, size-int64(len(f.data)))...)
	}
	f.dirty = true
	return nil
}

func (f *billyFile) Close() error {
	if f.closed {
		return os.ErrClosed
	}
	f.closed = true
	if !f.dirty {
		return nil
	}
	if err := f.b.fs.Write(f.b.ctx, f.full, f.data); err != nil {
		return osErr("close", err)
	}
	return nil
}

func (f *billyFile) Lock() error   { return nil }
func (f *billyFile) Unlock() error { return nil }

// billyFileInfo wraps a Dirent as an os.FileInfo for billy consumers.
type billyFileInfo struct {
	name string
	de   Dirent
}

// fakeStaticFileTime is reported as the mtime of every entry; the store
// keeps no timestamps.
var fakeStaticFileTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func (fi billyFileInfo) Name() string       { return fi.name }
func (fi billyFileInfo) Size() int64        { return fi.de.Size }
func (fi billyFileInfo) Mode() os.FileMode  { return fi.de.Mode }
func (fi billyFileInfo) ModTime() time.Time { return fakeStaticFileTime }
func (fi billyFileInfo) IsDir() bool        { return fi.de.Mode.IsDir() }
func (fi billyFileInfo) Sys() any           { return nil }
