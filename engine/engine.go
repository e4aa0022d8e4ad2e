// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package engine defines the narrow git object-model interface the
// transport services consume, and implements it with go-git. The
// services never touch object hashing, delta resolution, or packfile
// index formats directly; everything object-model shaped goes through an
// Engine.
package engine

import (
	"context"
	"errors"
)

// Oid is a 40-character lowercase hexadecimal SHA-1 object id.
type Oid string

// Zero is the all-zero oid. In a ref-update command it signifies
// deletion; it never names a stored object.
const Zero Oid = "0000000000000000000000000000000000000000"

// Valid reports whether o is exactly 40 lowercase-or-uppercase hex
// characters.
func (o Oid) Valid() bool {
	if len(o) != 40 {
		return false
	}
	for i := 0; i < len(o); i++ {
		c := o[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// ErrRefNotFound is returned by ResolveRef for a ref that is not set.
// An unset ref is an expected condition, never a hard failure.
var ErrRefNotFound = errors.New("engine: ref not found")

// ErrObjectNotFound is returned by ReadObject for a missing object.
var ErrObjectNotFound = errors.New("engine: object not found")

// WriteRefOpts control WriteRef.
type WriteRefOpts struct {
	// Force overwrites any existing value.
	Force bool
	// Symbolic stores value as a symbolic target ("ref: <value>")
	// rather than an oid.
	Symbolic bool
}

// Object is a raw git object.
type Object struct {
	Oid  Oid
	Type string // "blob", "tree", "commit", "tag"
	Data []byte
}

// Engine is the git object-model collaborator. Implementations must
// treat ResolveRef on an unset ref as ErrRefNotFound, not a failure.
type Engine interface {
	// ResolveRef resolves a ref name (following symbolic refs) to an
	// oid.
	ResolveRef(ctx context.Context, name string) (Oid, error)

	// WriteRef sets a ref to an oid, or to a symbolic target when
	// opts.Symbolic is set.
	WriteRef(ctx context.Context, name, value string, opts WriteRefOpts) error

	// DeleteRef removes a ref. Deleting an unset ref is a no-op.
	DeleteRef(ctx context.Context, name string) error

	// ReadObject returns the raw object with the given oid.
	ReadObject(ctx context.Context, oid Oid) (Object, error)

	// HasObject reports whether the object exists, without reading it.
	HasObject(ctx context.Context, oid Oid) (bool, error)

	// IndexPack indexes the packfile staged at packPath, moves it to
	// its canonical content-hash name in the same directory, writes
	// the index artifact beside it, and returns the oids it contains.
	// On failure the staged pack and any partially written index are
	// the caller's to clean up.
	IndexPack(ctx context.Context, packPath string) ([]Oid, error)

	// BuildPack assembles a packfile containing the closure of the
	// given want oids.
	BuildPack(ctx context.Context, wants []Oid) ([]byte, error)
}

// IdxPathFor returns the conventional index path for a packfile path:
// the ".pack" suffix replaced with ".idx".
func IdxPathFor(packPath string) string {
	const suf = ".pack"
	if len(packPath) > len(suf) && packPath[len(packPath)-len(suf):] == suf {
		return packPath[:len(packPath)-len(suf)] + ".idx"
	}
	return packPath + ".idx"
}
