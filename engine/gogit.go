// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/format/idxfile"
	"github.com/go-git/go-git/v5/plumbing/format/packfile"
	"github.com/go-git/go-git/v5/plumbing/revlist"
	"github.com/go-git/go-git/v5/plumbing/storer"
	gitfs "github.com/go-git/go-git/v5/storage/filesystem"

	"github.com/tailscale/gitvfs/vfs"
)

// GoGit implements Engine with go-git running over the virtual
// filesystem's ".git" directory.
type GoGit struct {
	fs vfs.FS
}

// NewGoGit returns an engine for the repository stored on fsys.
func NewGoGit(fsys vfs.FS) *GoGit { return &GoGit{fs: fsys} }

var _ Engine = (*GoGit)(nil)

// storage returns a go-git storage view bound to ctx. Storage instances
// are cheap; one is built per operation so every underlying filesystem
// access carries the caller's context.
func (g *GoGit) storage(ctx context.Context) *gitfs.Storage {
	bfs := vfs.NewBillyFS(ctx, g.fs, ".git")
	return gitfs.NewStorage(bfs, cache.NewObjectLRUDefault())
}

func (g *GoGit) ResolveRef(ctx context.Context, name string) (Oid, error) {
	st := g.storage(ctx)
	ref, err := storer.ResolveReference(st, plumbing.ReferenceName(name))
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) || os.IsNotExist(err) {
			return "", ErrRefNotFound
		}
		return "", fmt.Errorf("resolve ref %q: %w", name, err)
	}
	return Oid(ref.Hash().String()), nil
}

func (g *GoGit) WriteRef(ctx context.Context, name, value string, opts WriteRefOpts) error {
	st := g.storage(ctx)
	refName := plumbing.ReferenceName(name)
	if !opts.Force {
		if _, err := st.Reference(refName); err == nil {
			return fmt.Errorf("ref %q already exists", name)
		}
	}
	var ref *plumbing.Reference
	if opts.Symbolic {
		ref = plumbing.NewSymbolicReference(refName, plumbing.ReferenceName(value))
	} else {
		oid := Oid(value)
		if !oid.Valid() {
			return fmt.Errorf("write ref %q: invalid oid %q", name, value)
		}
		ref = plumbing.NewHashReference(refName, plumbing.NewHash(value))
	}
	if err := st.SetReference(ref); err != nil {
		return fmt.Errorf("write ref %q: %w", name, err)
	}
	return nil
}

func (g *GoGit) DeleteRef(ctx context.Context, name string) error {
	st := g.storage(ctx)
	err := st.RemoveReference(plumbing.ReferenceName(name))
	if err != nil && (errors.Is(err, plumbing.ErrReferenceNotFound) || os.IsNotExist(err)) {
		return nil // already unset
	}
	return err
}

func (g *GoGit) ReadObject(ctx context.Context, oid Oid) (Object, error) {
	st := g.storage(ctx)
	obj, err := st.EncodedObject(plumbing.AnyObject, plumbing.NewHash(string(oid)))
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return Object{}, ErrObjectNotFound
		}
		return Object{}, fmt.Errorf("read object %s: %w", oid, err)
	}
	r, err := obj.Reader()
	if err != nil {
		return Object{}, fmt.Errorf("read object %s: %w", oid, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return Object{}, fmt.Errorf("read object %s: %w", oid, err)
	}
	return Object{Oid: oid, Type: obj.Type().String(), Data: data}, nil
}

func (g *GoGit) HasObject(ctx context.Context, oid Oid) (bool, error) {
	st := g.storage(ctx)
	err := st.HasEncodedObject(plumbing.NewHash(string(oid)))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return false, nil
	}
	return false, err
}

// IndexPack parses and indexes the packfile at packPath, renames it to
// its canonical content-hash name "pack-<hash>.pack", writes the
// ".idx" artifact beside it, and returns the contained oids. The
// canonical name matters: the object store only discovers packs whose
// file name embeds the pack's hash. The parse runs under ctx; on
// cancellation or timeout the error is returned and the caller is
// responsible for removing the staged pack and any partial index.
func (g *GoGit) IndexPack(ctx context.Context, packPath string) ([]Oid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type result struct {
		oids []Oid
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		oids, err := g.indexPack(ctx, packPath)
		ch <- result{oids, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.oids, res.err
	}
}

func (g *GoGit) indexPack(ctx context.Context, packPath string) ([]Oid, error) {
	data, err := g.fs.Read(ctx, packPath)
	if err != nil {
		return nil, fmt.Errorf("index-pack: %w", err)
	}

	// First try parsing the pack as self-contained. Thin packs (deltas
	// against objects already in the repository) fail that pass and are
	// re-parsed against the object store, which resolves the external
	// bases and materializes the objects.
	w := new(idxfile.Writer)
	scanner := packfile.NewScanner(bytes.NewReader(data))
	parser, err := packfile.NewParser(scanner, w)
	if err != nil {
		return nil, fmt.Errorf("index-pack: %w", err)
	}
	checksum, err := parser.Parse()
	if err != nil {
		w = new(idxfile.Writer)
		scanner = packfile.NewScanner(bytes.NewReader(data))
		parser, perr := packfile.NewParserWithStorage(scanner, g.storage(ctx), w)
		if perr != nil {
			return nil, fmt.Errorf("index-pack: %w", perr)
		}
		if checksum, perr = parser.Parse(); perr != nil {
			return nil, fmt.Errorf("index-pack: %w", perr)
		}
	}

	idx, err := w.Index()
	if err != nil {
		return nil, fmt.Errorf("index-pack: build index: %w", err)
	}
	var buf bytes.Buffer
	if _, err := idxfile.NewEncoder(&buf).Encode(idx); err != nil {
		return nil, fmt.Errorf("index-pack: encode index: %w", err)
	}

	// Install under the canonical name, index first so a pack file is
	// never visible without its index. The staged pack goes away last.
	canonical := path.Join(path.Dir(packPath), fmt.Sprintf("pack-%s.pack", checksum))
	if err := g.fs.Write(ctx, IdxPathFor(canonical), buf.Bytes()); err != nil {
		return nil, fmt.Errorf("index-pack: write index: %w", err)
	}
	if canonical != packPath {
		if err := g.fs.Write(ctx, canonical, data); err != nil {
			g.fs.Unlink(ctx, IdxPathFor(canonical))
			return nil, fmt.Errorf("index-pack: store pack: %w", err)
		}
		if err := g.fs.Unlink(ctx, packPath); err != nil {
			return nil, fmt.Errorf("index-pack: remove staged pack: %w", err)
		}
	}

	iter, err := idx.Entries()
	if err != nil {
		return nil, fmt.Errorf("index-pack: iterate index: %w", err)
	}
	var oids []Oid
	for {
		e, err := iter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("index-pack: iterate index: %w", err)
		}
		oids = append(oids, Oid(e.Hash.String()))
	}
	return oids, nil
}

// BuildPack encodes a packfile holding the closure of wants. An empty
// want set yields a nil pack.
func (g *GoGit) BuildPack(ctx context.Context, wants []Oid) ([]byte, error) {
	if len(wants) == 0 {
		return nil, nil
	}
	st := g.storage(ctx)
	hashes := make([]plumbing.Hash, len(wants))
	for i, w := range wants {
		hashes[i] = plumbing.NewHash(string(w))
	}
	objs, err := revlist.Objects(st, hashes, nil)
	if err != nil {
		return nil, fmt.Errorf("build pack: %w", err)
	}
	var buf bytes.Buffer
	enc := packfile.NewEncoder(&buf, st, false)
	if _, err := enc.Encode(objs, 10); err != nil {
		return nil, fmt.Errorf("build pack: %w", err)
	}
	return buf.Bytes(), nil
}
