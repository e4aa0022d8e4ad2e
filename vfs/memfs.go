// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package vfs

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"

	"tailscale.com/util/mak"
)

// Mem is the in-memory FS variant, used for request-scoped or test-scoped
// repository state.
//
// Each Mem owns its entry table outright; it must be instantiated per
// tenant or request and is not safe for sharing between logical
// repositories.
type Mem struct {
	mu   sync.Mutex
	ents map[string]*memEntry // normalized path -> entry; the root "" is implicit
}

type memEntry struct {
	dir     bool
	symlink bool
	data    []byte // file contents, or the symlink target
}

// NewMem returns an empty in-memory filesystem.
func NewMem() *Mem { return &Mem{} }

var _ FS = (*Mem)(nil)

func (m *Mem) Read(ctx context.Context, p string) ([]byte, error) {
	p = Norm(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == "" {
		return nil, &PathError{Kind: KindIsADirectory, Op: "read", Path: p}
	}
	e, ok := m.ents[p]
	if !ok {
		return nil, &PathError{Kind: KindNotFound, Op: "read", Path: p}
	}
	if e.dir {
		return nil, &PathError{Kind: KindIsADirectory, Op: "read", Path: p}
	}
	return slices.Clone(e.data), nil
}

func (m *Mem) Write(ctx context.Context, p string, data []byte) error {
	return m.put(p, data, false)
}

func (m *Mem) Symlink(ctx context.Context, target, p string) error {
	return m.put(p, []byte(target), true)
}

func (m *Mem) put(p string, data []byte, symlink bool) error {
	p = Norm(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == "" {
		return &PathError{Kind: KindInvalidArgument, Op: "write", Path: p, Msg: "cannot write to the repository root"}
	}
	if e, ok := m.ents[p]; ok && e.dir {
		return &PathError{Kind: KindIsADirectory, Op: "write", Path: p}
	}
	for _, dir := range Ancestors(p) {
		if e, ok := m.ents[dir]; ok {
			if !e.dir {
				return &PathError{Kind: KindNotADirectory, Op: "write", Path: dir}
			}
			continue
		}
		mak.Set(&m.ents, dir, &memEntry{dir: true})
	}
	mak.Set(&m.ents, p, &memEntry{data: slices.Clone(data), symlink: symlink})
	return nil
}

func (m *Mem) Unlink(ctx context.Context, p string) error {
	p = Norm(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == "" {
		return &PathError{Kind: KindPermissionDenied, Op: "unlink", Path: p}
	}
	e, ok := m.ents[p]
	if !ok {
		return &PathError{Kind: KindNotFound, Op: "unlink", Path: p}
	}
	if e.dir {
		return &PathError{Kind: KindPermissionDenied, Op: "unlink", Path: p, Msg: "target is a directory"}
	}
	delete(m.ents, p)
	return nil
}

func (m *Mem) Mkdir(ctx context.Context, p string) error {
	p = Norm(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == "" {
		return nil // root always exists
	}
	if e, ok := m.ents[p]; ok {
		if e.dir {
			return nil
		}
		return &PathError{Kind: KindAlreadyExists, Op: "mkdir", Path: p, Msg: "a file exists at this path"}
	}
	if parent := ParentOf(p); parent != "" {
		e, ok := m.ents[parent]
		if !ok {
			return &PathError{Kind: KindNotFound, Op: "mkdir", Path: parent, Msg: "parent directory missing"}
		}
		if !e.dir {
			return &PathError{Kind: KindNotADirectory, Op: "mkdir", Path: parent}
		}
	}
	mak.Set(&m.ents, p, &memEntry{dir: true})
	return nil
}

func (m *Mem) Rmdir(ctx context.Context, p string) error {
	p = Norm(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == "" {
		return &PathError{Kind: KindInvalidArgument, Op: "rmdir", Path: p, Msg: "cannot remove the repository root"}
	}
	e, ok := m.ents[p]
	if !ok {
		return &PathError{Kind: KindNotFound, Op: "rmdir", Path: p}
	}
	if !e.dir {
		return &PathError{Kind: KindNotADirectory, Op: "rmdir", Path: p}
	}
	prefix := p + "/"
	for k := range m.ents {
		if strings.HasPrefix(k, prefix) {
			return &PathError{Kind: KindNotEmpty, Op: "rmdir", Path: p}
		}
	}
	delete(m.ents, p)
	return nil
}

func (m *Mem) Readdir(ctx context.Context, p string) ([]Dirent, error) {
	p = Norm(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if p != "" {
		e, ok := m.ents[p]
		if !ok {
			return nil, &PathError{Kind: KindNotFound, Op: "readdir", Path: p}
		}
		if !e.dir {
			return nil, &PathError{Kind: KindNotADirectory, Op: "readdir", Path: p}
		}
	}
	var ents []Dirent
	for k, e := range m.ents {
		if ParentOf(k) != p {
			continue
		}
		ents = append(ents, direntFor(BaseOf(k), e))
	}
	slices.SortFunc(ents, func(a, b Dirent) int { return strings.Compare(a.Name, b.Name) })
	return ents, nil
}

func (m *Mem) Stat(ctx context.Context, p string) (Dirent, error) {
	p = Norm(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == "" {
		return Dirent{Mode: os.ModeDir | 0755}, nil
	}
	e, ok := m.ents[p]
	if !ok {
		return Dirent{}, &PathError{Kind: KindNotFound, Op: "stat", Path: p}
	}
	return direntFor(BaseOf(p), e), nil
}

func (m *Mem) Readlink(ctx context.Context, p string) (string, error) {
	p = Norm(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.ents[p]
	if !ok {
		return "", &PathError{Kind: KindNotFound, Op: "readlink", Path: p}
	}
	if !e.symlink {
		return "", &PathError{Kind: KindInvalidArgument, Op: "readlink", Path: p, Msg: "not a symlink"}
	}
	return string(e.data), nil
}

func (m *Mem) Exists(ctx context.Context, p string) (bool, error) {
	p = Norm(p)
	m.mu.Lock()
	defer m.mu.Unlock()
	if p == "" {
		return true, nil
	}
	_, ok := m.ents[p]
	return ok, nil
}

func (m *Mem) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st Stats
	for k, e := range m.ents {
		if e.dir {
			continue
		}
		st.Objects++
		n := int64(len(e.data))
		st.TotalBytes += n
		if n > st.LargestBytes || st.LargestPath == "" {
			st.LargestBytes = n
			st.LargestPath = k
		}
	}
	return st, nil
}

func direntFor(name string, e *memEntry) Dirent {
	switch {
	case e.dir:
		return Dirent{Name: name, Mode: os.ModeDir | 0755}
	case e.symlink:
		return Dirent{Name: name, Mode: os.ModeSymlink | 0644, Size: int64(len(e.data))}
	default:
		return Dirent{Name: name, Mode: 0644, Size: int64(len(e.data))}
	}
}
