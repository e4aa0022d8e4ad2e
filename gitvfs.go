// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package gitvfs serves the git smart-HTTP protocol (info/refs,
// upload-pack, receive-pack) for repositories stored on a virtual
// filesystem, with the git object model delegated to an engine.
package gitvfs

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tailscale/gitvfs/engine"
	"github.com/tailscale/gitvfs/stats"
	"github.com/tailscale/gitvfs/vfs"
)

// Server implements the transport endpoints for a set of repositories.
//
// Zero of its exported fields besides Open are required; the rest
// default to something reasonable.
type Server struct {
	// Open returns the filesystem holding the named repository.
	// Returning an error wrapping vfs.KindNotFound makes the HTTP
	// layer answer 404.
	Open func(ctx context.Context, repo string) (vfs.FS, error)

	// NewEngine returns the object-model engine for a repository
	// filesystem. If nil, engine.NewGoGit is used.
	NewEngine func(fsys vfs.FS) engine.Engine

	// MaxObjectSize, if non-zero, is the byte ceiling for a single
	// pushed packfile. Writes through a size-enforcing filesystem
	// (vfs/dbfs) are additionally bounded by the store itself.
	MaxObjectSize int64

	// IndexTimeout bounds packfile indexing per push. Zero means a
	// minute.
	IndexTimeout time.Duration

	Stats   *stats.Stats // optional
	Verbose bool

	Pushes         expvar.Int `name:"pushes" type:"counter" help:"pushes received"`
	PushFailures   expvar.Int `name:"push_failures" type:"counter" help:"pushes rejected as a whole"`
	RefUpdates     expvar.Int `name:"ref_updates" type:"counter" help:"ref updates and deletes applied"`
	RefFailures    expvar.Int `name:"ref_failures" type:"counter" help:"per-ref update failures"`
	Fetches        expvar.Int `name:"fetches" type:"counter" help:"upload-pack requests served"`
	Advertisements expvar.Int `name:"advertisements" type:"counter" help:"info/refs requests served"`
	PackBytesIn    expvar.Int `name:"pack_bytes_in" type:"counter" help:"packfile bytes received"`
	PackBytesOut   expvar.Int `name:"pack_bytes_out" type:"counter" help:"packfile bytes sent"`

	mu        sync.Mutex
	pushLocks map[string]*sync.Mutex
	seen      *lru.Cache[string, bool] // repo+"/"+oid of objects known to exist
}

const zeroOid = engine.Zero

func (s *Server) engineFor(fsys vfs.FS) engine.Engine {
	if s.NewEngine != nil {
		return s.NewEngine(fsys)
	}
	return engine.NewGoGit(fsys)
}

func (s *Server) indexTimeout() time.Duration {
	if s.IndexTimeout > 0 {
		return s.IndexTimeout
	}
	return time.Minute
}

// pushLock returns the mutex serializing receive-pack requests for
// repo. Pushes interleaving their write phases would race the
// indexed-object existence checks, so they queue here.
func (s *Server) pushLock(repo string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.pushLocks[repo]
	if !ok {
		mu = new(sync.Mutex)
		if s.pushLocks == nil {
			s.pushLocks = make(map[string]*sync.Mutex)
		}
		s.pushLocks[repo] = mu
	}
	return mu
}

// hasObject reports whether oid exists in repo, memoizing positive
// answers. Objects are immutable so a hit can never go stale; misses
// are not cached since a later push may add the object.
func (s *Server) hasObject(ctx context.Context, repo string, eng engine.Engine, oid engine.Oid) (bool, error) {
	key := repo + "/" + string(oid)

	s.mu.Lock()
	if s.seen == nil {
		s.seen, _ = lru.New[string, bool](8192)
	}
	cache := s.seen
	s.mu.Unlock()

	if _, ok := cache.Get(key); ok {
		return true, nil
	}
	ok, err := eng.HasObject(ctx, oid)
	if err != nil {
		return false, err
	}
	if ok {
		cache.Add(key, true)
	}
	return ok, nil
}

// InitRepo lays out an empty bare repository on fsys: a symbolic HEAD
// pointing at the (unborn) main branch, a minimal config, and the
// directories the object store expects.
func InitRepo(ctx context.Context, fsys vfs.FS) error {
	if err := fsys.Write(ctx, ".git/HEAD", []byte("ref: refs/heads/main\n")); err != nil {
		return fmt.Errorf("init repo: %w", err)
	}
	const conf = "[core]\n\trepositoryformatversion = 0\n\tfilemode = true\n\tbare = true\n"
	if err := fsys.Write(ctx, ".git/config", []byte(conf)); err != nil {
		return fmt.Errorf("init repo: %w", err)
	}
	for _, dir := range []string{".git/objects", ".git/objects/pack", ".git/refs", ".git/refs/heads"} {
		if err := fsys.Mkdir(ctx, dir); err != nil {
			return fmt.Errorf("init repo: %w", err)
		}
	}
	return nil
}

func (s *Server) logf(format string, args ...any) {
	if s.Verbose {
		log.Printf(format, args...)
	}
}
