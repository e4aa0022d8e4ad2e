// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package gittest builds git objects and packfiles in memory for tests.
package gittest

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/tailscale/gitvfs/engine"
)

// Object is a loose git object: its type, its content (without the
// "<type> <size>\x00" header) and the oid derived from both.
type Object struct {
	Type string // "commit", "tree" or "blob"
	Data []byte
	Oid  engine.Oid
}

// MkOid hashes contents the way git does for an object of type typ.
func MkOid(typ string, contents []byte) engine.Oid {
	s1 := sha1.New()
	fmt.Fprintf(s1, "%s %d\x00", typ, len(contents))
	s1.Write(contents)
	return engine.Oid(fmt.Sprintf("%x", s1.Sum(nil)))
}

// Blob returns a blob object for contents.
func Blob(contents string) Object {
	data := []byte(contents)
	return Object{Type: "blob", Data: data, Oid: MkOid("blob", data)}
}

// TreeEntry is one entry of a tree object.
type TreeEntry struct {
	Name string
	Mode string // "100644", "100755", "40000" or "120000"; empty means 100644
	Oid  engine.Oid
}

// Tree returns a tree object holding ents. Entries are sorted the way
// git sorts them: by name, with directories compared as "name/".
func Tree(ents ...TreeEntry) Object {
	sorted := append([]TreeEntry(nil), ents...)
	sort.Slice(sorted, func(i, j int) bool {
		return treeSortKey(sorted[i]) < treeSortKey(sorted[j])
	})
	var buf bytes.Buffer
	for _, e := range sorted {
		mode := e.Mode
		if mode == "" {
			mode = "100644"
		}
		fmt.Fprintf(&buf, "%s %s\x00", mode, e.Name)
		var raw [20]byte
		if _, err := hex.Decode(raw[:], []byte(e.Oid)); err != nil {
			panic(fmt.Sprintf("bad oid %q: %v", e.Oid, err))
		}
		buf.Write(raw[:])
	}
	return Object{Type: "tree", Data: buf.Bytes(), Oid: MkOid("tree", buf.Bytes())}
}

func treeSortKey(e TreeEntry) string {
	if e.Mode == "40000" {
		return e.Name + "/"
	}
	return e.Name
}

// Commit returns a commit object pointing at tree with the given
// parents. The author and committer are fixed so oids are stable.
func Commit(tree engine.Oid, msg string, parents ...engine.Oid) Object {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", tree)
	for _, p := range parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	const who = "Test Author <test@example.com> 1735689600 +0000"
	fmt.Fprintf(&buf, "author %s\ncommitter %s\n\n%s", who, who, msg)
	if !strings.HasSuffix(msg, "\n") {
		buf.WriteString("\n")
	}
	return Object{Type: "commit", Data: buf.Bytes(), Oid: MkOid("commit", buf.Bytes())}
}

// Pack encodes objs as a version-2 packfile with a SHA-1 trailer.
func Pack(objs ...Object) []byte {
	pw := newPackWriter(len(objs))
	for _, obj := range objs {
		pw.writePackObject(obj)
	}
	return pw.finish()
}

type packWriter struct {
	s1  hash.Hash
	buf bytes.Buffer
}

func newPackWriter(numObjs int) *packWriter {
	pw := &packWriter{s1: sha1.New()}
	hdr := make([]byte, 0, 12)
	hdr = append(hdr, "PACK"...)
	hdr = binary.BigEndian.AppendUint32(hdr, 2) // version 2
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(numObjs))
	pw.write(hdr)
	return pw
}

func (pw *packWriter) writePackObject(obj Object) {
	const (
		objCommit = 1
		objTree   = 2
		objBlob   = 3
	)
	var typ byte
	switch obj.Type {
	case "commit":
		typ = objCommit
	case "tree":
		typ = objTree
	case "blob":
		typ = objBlob
	default:
		panic(fmt.Sprintf("unknown object type %q", obj.Type))
	}

	size := len(obj.Data)
	firstSizeBits := size & 0x0F
	size >>= 4

	const continueBit = uint8(0x80) // if set, more bytes follow

	hdrBuf := make([]byte, 0, 8)
	firstByte := byte((typ&0x7)<<4) | byte(firstSizeBits)
	if size != 0 {
		firstByte |= continueBit
	}
	hdrBuf = append(hdrBuf, firstByte)
	for size != 0 {
		b := byte(size & 0x7F)
		size >>= 7
		if size != 0 {
			b |= continueBit
		}
		hdrBuf = append(hdrBuf, b)
	}
	pw.write(hdrBuf)

	zw := zlib.NewWriter(pw)
	if _, err := zw.Write(obj.Data); err != nil {
		panic(err) // bytes.Buffer writes don't fail
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
}

func (pw *packWriter) finish() []byte {
	pw.buf.Write(pw.s1.Sum(nil))
	return pw.buf.Bytes()
}

func (pw *packWriter) Write(p []byte) (int, error) {
	pw.write(p)
	return len(p), nil
}

func (pw *packWriter) write(p []byte) {
	pw.buf.Write(p)
	pw.s1.Write(p)
}
