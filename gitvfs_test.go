// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package gitvfs

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/tailscale/gitvfs/gittest"
	"github.com/tailscale/gitvfs/pktline"
	"github.com/tailscale/gitvfs/vfs"
)

// newTestServer returns a server holding a single freshly initialized
// in-memory repository named "test".
func newTestServer(t *testing.T) (*Server, vfs.FS) {
	t.Helper()
	fsys := vfs.NewMem()
	if err := InitRepo(context.Background(), fsys); err != nil {
		t.Fatalf("InitRepo: %v", err)
	}
	s := &Server{
		Open: func(ctx context.Context, repo string) (vfs.FS, error) {
			if repo != "test" {
				return nil, &vfs.PathError{Kind: vfs.KindNotFound, Op: "open", Path: repo}
			}
			return fsys, nil
		},
	}
	return s, fsys
}

func testObjects() (blob, tree, commit gittest.Object) {
	blob = gittest.Blob("hello, world\n")
	tree = gittest.Tree(gittest.TreeEntry{Name: "hello.txt", Oid: blob.Oid})
	commit = gittest.Commit(tree.Oid, "initial commit")
	return
}

// pushBody assembles a receive-pack request: command pkt-lines, a
// flush, then the pack bytes (nil for delete-only pushes).
func pushBody(pack []byte, cmds ...string) []byte {
	var buf bytes.Buffer
	for i, c := range cmds {
		line := c
		if i == 0 {
			line += "\x00report-status side-band-64k"
		}
		pktline.WriteString(&buf, line+"\n")
	}
	pktline.WriteFlush(&buf)
	buf.Write(pack)
	return buf.Bytes()
}

// parseReport demultiplexes a report-status response back into its
// status lines.
func parseReport(t *testing.T, resp []byte) []string {
	t.Helper()
	r := pktline.NewReader(resp)
	var payload []byte
	for {
		p, flush, err := r.Next()
		if err != nil {
			t.Fatalf("reading sideband: %v", err)
		}
		if flush {
			break
		}
		if len(p) == 0 || p[0] != pktline.BandData {
			t.Fatalf("unexpected sideband packet %q", p)
		}
		payload = append(payload, p[1:]...)
	}

	var lines []string
	rr := pktline.NewReader(payload)
	for {
		p, flush, err := rr.Next()
		if err != nil {
			t.Fatalf("reading report: %v", err)
		}
		if flush {
			break
		}
		lines = append(lines, strings.TrimSuffix(string(p), "\n"))
	}
	return lines
}

// advLines decodes an info/refs advertisement into its pkt-line
// payloads, with flushes rendered as "FLUSH".
func advLines(t *testing.T, resp []byte) []string {
	t.Helper()
	var lines []string
	r := pktline.NewReader(resp)
	for r.Offset() < len(resp) {
		p, flush, err := r.Next()
		if err != nil {
			t.Fatalf("reading advertisement: %v", err)
		}
		if flush {
			lines = append(lines, "FLUSH")
			continue
		}
		lines = append(lines, strings.TrimSuffix(string(p), "\n"))
	}
	return lines
}
