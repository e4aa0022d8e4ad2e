// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package gitvfs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/tailscale/gitvfs/engine"
	"github.com/tailscale/gitvfs/vfs"
)

// branchRef is one advertised branch: its full ref name and the oid it
// points at.
type branchRef struct {
	Name string // "refs/heads/main"
	Oid  engine.Oid
}

// listBranches returns every branch ref in the repository, sorted by
// name. Branches whose ref file exists but fails to resolve are
// skipped.
func listBranches(ctx context.Context, fsys vfs.FS, eng engine.Engine) ([]branchRef, error) {
	var names []string
	if err := walkBranchDir(ctx, fsys, ".git/refs/heads", "", &names); err != nil {
		return nil, err
	}
	slices.Sort(names)

	var refs []branchRef
	for _, name := range names {
		full := "refs/heads/" + name
		oid, err := eng.ResolveRef(ctx, full)
		if err != nil {
			if errors.Is(err, engine.ErrRefNotFound) {
				continue
			}
			return nil, fmt.Errorf("list branches: %w", err)
		}
		refs = append(refs, branchRef{Name: full, Oid: oid})
	}
	return refs, nil
}

// walkBranchDir accumulates branch names under dir. Branch names may
// contain slashes ("feature/x"), stored as nested directories.
func walkBranchDir(ctx context.Context, fsys vfs.FS, dir, prefix string, names *[]string) error {
	ents, err := fsys.Readdir(ctx, dir)
	if err != nil {
		if vfs.IsNotFound(err) {
			return nil // no refs/heads yet
		}
		return fmt.Errorf("readdir %s: %w", dir, err)
	}
	for _, ent := range ents {
		if ent.Mode.IsDir() {
			if err := walkBranchDir(ctx, fsys, dir+"/"+ent.Name, prefix+ent.Name+"/", names); err != nil {
				return err
			}
			continue
		}
		*names = append(*names, prefix+ent.Name)
	}
	return nil
}

// headInfo is the resolved state of HEAD for advertisement purposes.
type headInfo struct {
	Oid    engine.Oid // zero value if HEAD doesn't resolve
	Symref string     // "refs/heads/main" if HEAD maps to a branch, else ""
}

// resolveHead determines what to advertise for HEAD. A symbolic HEAD
// follows its target. A raw-oid HEAD (legacy repositories) is matched
// against the branch list, preferring main, then master, then the
// first branch in listing order; with no match HEAD is detached and
// advertised with no symref.
func resolveHead(ctx context.Context, fsys vfs.FS, eng engine.Engine, branches []branchRef) (headInfo, error) {
	raw, err := fsys.Read(ctx, ".git/HEAD")
	if err != nil {
		if vfs.IsNotFound(err) {
			return headInfo{}, nil
		}
		return headInfo{}, fmt.Errorf("read HEAD: %w", err)
	}
	head := strings.TrimSpace(string(raw))

	if target, ok := strings.CutPrefix(head, "ref: "); ok {
		target = strings.TrimSpace(target)
		oid, err := eng.ResolveRef(ctx, target)
		if err != nil {
			if errors.Is(err, engine.ErrRefNotFound) {
				return headInfo{}, nil // unborn branch
			}
			return headInfo{}, fmt.Errorf("resolve HEAD target %q: %w", target, err)
		}
		return headInfo{Oid: oid, Symref: target}, nil
	}

	oid := engine.Oid(head)
	if !oid.Valid() {
		return headInfo{}, nil
	}
	for _, want := range []string{"refs/heads/main", "refs/heads/master"} {
		for _, b := range branches {
			if b.Name == want && b.Oid == oid {
				return headInfo{Oid: oid, Symref: b.Name}, nil
			}
		}
	}
	for _, b := range branches {
		if b.Oid == oid {
			return headInfo{Oid: oid, Symref: b.Name}, nil
		}
	}
	return headInfo{Oid: oid}, nil // detached
}

// headResolves reports whether HEAD currently points at anything,
// used by receive-pack's first-push HEAD bootstrapping.
func headResolves(ctx context.Context, eng engine.Engine) bool {
	_, err := eng.ResolveRef(ctx, "HEAD")
	return err == nil
}
