// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package vfs defines the virtual filesystem that git repositories are
// stored on: a path-keyed byte-object store emulating the subset of
// filesystem operations git needs. Implementations back it with memory
// (Mem, for request- or test-scoped state) or a relational store (package
// dbfs, for production).
package vfs

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// FS is the filesystem contract the git services run against.
//
// Paths are slash-separated and relative to the repository root; a single
// leading slash is tolerated and stripped. The empty path denotes the root
// directory itself. Failures are reported as *PathError values carrying
// the offending path.
type FS interface {
	// Read returns the contents of the file at path.
	Read(ctx context.Context, path string) ([]byte, error)

	// Write stores data at path, creating intermediate directories
	// implicitly and overwriting any existing file.
	Write(ctx context.Context, path string, data []byte) error

	// Unlink removes the file at path.
	Unlink(ctx context.Context, path string) error

	// Mkdir creates the directory at path. It is a no-op if the
	// directory already exists, and requires the parent to exist.
	Mkdir(ctx context.Context, path string) error

	// Rmdir removes the empty directory at path.
	Rmdir(ctx context.Context, path string) error

	// Readdir lists the immediate children of the directory at path,
	// sorted by name.
	Readdir(ctx context.Context, path string) ([]Dirent, error)

	// Stat describes the entry at path.
	Stat(ctx context.Context, path string) (Dirent, error)

	// Symlink records a link at path whose content is target. The
	// backing store does not model true symlinks; Readlink returns the
	// stored target verbatim.
	Symlink(ctx context.Context, target, path string) error
	Readlink(ctx context.Context, path string) (string, error)

	// Exists reports whether any entry exists at path.
	Exists(ctx context.Context, path string) (bool, error)

	// Stats recomputes aggregate storage statistics from the backing
	// store.
	Stats(ctx context.Context) (Stats, error)
}

// Dirent describes a single filesystem entry.
type Dirent struct {
	Name string      // base name, no slashes; "" only for the root
	Mode os.FileMode // fs.ModeDir, fs.ModeSymlink, or 0644 for regular files
	Size int64       // content size for regular files and symlinks
}

// Stats are aggregate storage statistics, derived on demand rather than
// persisted. Directories are not counted as objects.
type Stats struct {
	Objects      int64  // number of stored files and symlinks
	TotalBytes   int64  // sum of their content sizes
	LargestPath  string // path of the single largest object, if any
	LargestBytes int64
}

// GitObject is one stored path/content pair under the git metadata
// prefix, as produced by GitObjectStore.ExportGitObjects. Mode carries
// the entry kind: fs.ModeSymlink marks a symlink (Data holds the
// target), a zero Mode a regular file.
type GitObject struct {
	Path string
	Mode fs.FileMode
	Data []byte
}

// GitObjectStore is implemented by filesystems that can snapshot and
// restore a repository's full git object set at the storage layer.
type GitObjectStore interface {
	// ExportGitObjects returns every stored object whose path is under
	// ".git/", in stable path order.
	ExportGitObjects(ctx context.Context) ([]GitObject, error)

	// ImportGitObjects loads a snapshot previously produced by
	// ExportGitObjects. The import is atomic: either the full set is
	// stored or nothing changes.
	ImportGitObjects(ctx context.Context, objs []GitObject) error
}

// ErrorKind classifies a filesystem failure so callers can match on the
// failure mode deterministically.
type ErrorKind uint8

const (
	KindNotFound ErrorKind = iota + 1
	KindAlreadyExists
	KindIsADirectory
	KindNotADirectory
	KindNotEmpty
	KindPermissionDenied
	KindInvalidArgument
	KindSizeLimit
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindAlreadyExists:
		return "already exists"
	case KindIsADirectory:
		return "is a directory"
	case KindNotADirectory:
		return "not a directory"
	case KindNotEmpty:
		return "directory not empty"
	case KindPermissionDenied:
		return "permission denied"
	case KindInvalidArgument:
		return "invalid argument"
	case KindSizeLimit:
		return "size limit exceeded"
	}
	return fmt.Sprintf("vfs.ErrorKind(%d)", uint8(k))
}

// PathError is the error type returned by every FS implementation.
type PathError struct {
	Kind ErrorKind
	Op   string // "read", "write", "mkdir", ...
	Path string
	Msg  string // optional extra detail appended to Error
}

func (e *PathError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("vfs: %s %q: %s: %s", e.Op, e.Path, e.Kind, e.Msg)
	}
	return fmt.Sprintf("vfs: %s %q: %s", e.Op, e.Path, e.Kind)
}

// Is maps error kinds onto the io/fs sentinels so that errors.Is and
// os.IsNotExist-style checks work on PathError values.
func (e *PathError) Is(target error) bool {
	switch target {
	case fs.ErrNotExist:
		return e.Kind == KindNotFound
	case fs.ErrExist:
		return e.Kind == KindAlreadyExists
	case fs.ErrPermission:
		return e.Kind == KindPermissionDenied
	case fs.ErrInvalid:
		return e.Kind == KindInvalidArgument
	}
	return false
}

// Kind returns the ErrorKind of err, or zero if err is not a *PathError.
func Kind(err error) ErrorKind {
	if pe, ok := err.(*PathError); ok {
		return pe.Kind
	}
	return 0
}

// IsNotFound reports whether err is a PathError of kind KindNotFound.
func IsNotFound(err error) bool { return Kind(err) == KindNotFound }

// Norm normalizes a path: it strips a single leading slash and maps the
// "." spelling of the root to the canonical empty string.
func Norm(p string) string {
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// ParentOf returns the directory containing the normalized path p, with
// "" meaning the root.
func ParentOf(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return ""
	}
	return p[:i]
}

// BaseOf returns the last element of the normalized path p.
func BaseOf(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// Ancestors returns every proper ancestor of p (excluding the root),
// shallowest first.
func Ancestors(p string) []string {
	var dirs []string
	for i, r := range p {
		if r == '/' {
			dirs = append(dirs, p[:i])
		}
	}
	return dirs
}
