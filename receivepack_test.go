// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package gitvfs

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tailscale/gitvfs/engine"
	"github.com/tailscale/gitvfs/gittest"
)

func TestPushCreatesBranch(t *testing.T) {
	ctx := context.Background()
	s, fsys := newTestServer(t)
	blob, tree, commit := testObjects()

	body := pushBody(gittest.Pack(blob, tree, commit),
		fmt.Sprintf("%s %s refs/heads/main", zeroOid, commit.Oid))
	resp, err := s.HandleReceivePack(ctx, "test", body)
	if err != nil {
		t.Fatalf("HandleReceivePack: %v", err)
	}

	got := parseReport(t, resp)
	want := []string{"unpack ok", "ok refs/heads/main"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}

	eng := s.engineFor(fsys)
	oid, err := eng.ResolveRef(ctx, "refs/heads/main")
	if err != nil {
		t.Fatalf("ResolveRef after push: %v", err)
	}
	if oid != commit.Oid {
		t.Errorf("refs/heads/main = %s; want %s", oid, commit.Oid)
	}

	// The successfully indexed pack is kept under its content-hash
	// name, so the object store discovers it afterwards.
	ents, err := fsys.Readdir(ctx, ".git/objects/pack")
	if err != nil {
		t.Fatal(err)
	}
	var packs, idxs int
	for _, e := range ents {
		if !packNameRx.MatchString(e.Name) {
			t.Errorf("pack dir entry %q is not hash-named", e.Name)
		}
		switch {
		case strings.HasSuffix(e.Name, ".pack"):
			packs++
		case strings.HasSuffix(e.Name, ".idx"):
			idxs++
		}
	}
	if packs != 1 || idxs != 1 {
		t.Errorf("pack dir holds %d packs, %d idxs; want 1 and 1", packs, idxs)
	}

	// The pushed objects are reachable through the engine, not just
	// listed in the report.
	for _, o := range []gittest.Object{blob, tree, commit} {
		ok, err := eng.HasObject(ctx, o.Oid)
		if err != nil {
			t.Fatalf("HasObject(%s): %v", o.Oid, err)
		}
		if !ok {
			t.Errorf("object %s not visible after push", o.Oid)
		}
	}
}

var packNameRx = regexp.MustCompile(`^pack-[0-9a-f]{40}\.(pack|idx)$`)

func TestPushOversizedPack(t *testing.T) {
	ctx := context.Background()
	s, fsys := newTestServer(t)
	s.MaxObjectSize = 10
	blob, tree, commit := testObjects()

	body := pushBody(gittest.Pack(blob, tree, commit),
		fmt.Sprintf("%s %s refs/heads/main", zeroOid, commit.Oid),
		fmt.Sprintf("%s %s refs/heads/dev", zeroOid, commit.Oid))
	resp, err := s.HandleReceivePack(ctx, "test", body)
	if err != nil {
		t.Fatal(err)
	}

	lines := parseReport(t, resp)
	if len(lines) != 3 {
		t.Fatalf("got %d report lines (%q); want 3", len(lines), lines)
	}
	if !strings.HasPrefix(lines[0], "unpack error ") {
		t.Errorf("line 0 = %q; want unpack error", lines[0])
	}
	for _, l := range lines[1:] {
		if !strings.HasPrefix(l, "ng refs/heads/") {
			t.Errorf("ref line = %q; want ng", l)
		}
	}

	// Nothing was written: ref set and object set are untouched.
	eng := s.engineFor(fsys)
	if _, err := eng.ResolveRef(ctx, "refs/heads/main"); !errors.Is(err, engine.ErrRefNotFound) {
		t.Errorf("refs/heads/main resolved after rejected push; err=%v", err)
	}
	ents, err := fsys.Readdir(ctx, ".git/objects/pack")
	if err != nil {
		t.Fatal(err)
	}
	if len(ents) != 0 {
		t.Errorf("pack dir holds %d entries after rejected push; want 0", len(ents))
	}
}

func TestPushIndexingFailure(t *testing.T) {
	ctx := context.Background()
	s, fsys := newTestServer(t)
	_, _, commit := testObjects()

	body := pushBody([]byte("PACKthis is not a packfile at all"),
		fmt.Sprintf("%s %s refs/heads/main", zeroOid, commit.Oid))
	resp, err := s.HandleReceivePack(ctx, "test", body)
	if err != nil {
		t.Fatal(err)
	}

	lines := parseReport(t, resp)
	if !strings.HasPrefix(lines[0], "unpack error ") {
		t.Errorf("line 0 = %q; want unpack error", lines[0])
	}

	// Neither the pack nor a partial index survives the failure.
	ents, err := fsys.Readdir(ctx, ".git/objects/pack")
	if err != nil {
		t.Fatal(err)
	}
	if len(ents) != 0 {
		t.Errorf("pack dir holds %v after failed indexing; want nothing", ents)
	}
	eng := s.engineFor(fsys)
	if _, err := eng.ResolveRef(ctx, "refs/heads/main"); !errors.Is(err, engine.ErrRefNotFound) {
		t.Errorf("ref written despite indexing failure; err=%v", err)
	}
}

func TestPushMixedResults(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestServer(t)
	blob, tree, commit := testObjects()

	const missing = "1111111111111111111111111111111111111111"
	body := pushBody(gittest.Pack(blob, tree, commit),
		fmt.Sprintf("%s %s refs/heads/main", zeroOid, commit.Oid),
		fmt.Sprintf("%s %s refs/heads/broken", zeroOid, missing))
	resp, err := s.HandleReceivePack(ctx, "test", body)
	if err != nil {
		t.Fatal(err)
	}

	lines := parseReport(t, resp)
	if lines[0] != "unpack ok" {
		t.Errorf("line 0 = %q; want unpack ok (per-ref failure is not global)", lines[0])
	}
	if lines[1] != "ok refs/heads/main" {
		t.Errorf("line 1 = %q; want ok refs/heads/main", lines[1])
	}
	if !strings.HasPrefix(lines[2], "ng refs/heads/broken ") {
		t.Errorf("line 2 = %q; want ng refs/heads/broken", lines[2])
	}
}

func TestPushDeleteRef(t *testing.T) {
	ctx := context.Background()
	s, fsys := newTestServer(t)
	blob, tree, commit := testObjects()

	body := pushBody(gittest.Pack(blob, tree, commit),
		fmt.Sprintf("%s %s refs/heads/main", zeroOid, commit.Oid))
	if _, err := s.HandleReceivePack(ctx, "test", body); err != nil {
		t.Fatal(err)
	}

	// Delete-only push: no packfile at all.
	body = pushBody(nil, fmt.Sprintf("%s %s refs/heads/main", commit.Oid, zeroOid))
	resp, err := s.HandleReceivePack(ctx, "test", body)
	if err != nil {
		t.Fatal(err)
	}

	got := parseReport(t, resp)
	want := []string{"unpack ok", "ok refs/heads/main"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
	eng := s.engineFor(fsys)
	if _, err := eng.ResolveRef(ctx, "refs/heads/main"); !errors.Is(err, engine.ErrRefNotFound) {
		t.Errorf("ref still resolves after delete; err=%v", err)
	}
}

func TestPushBootstrapsHead(t *testing.T) {
	ctx := context.Background()
	s, fsys := newTestServer(t)
	blob, tree, commit := testObjects()

	// HEAD points at unborn main; the first push is to master.
	body := pushBody(gittest.Pack(blob, tree, commit),
		fmt.Sprintf("%s %s refs/heads/master", zeroOid, commit.Oid))
	if _, err := s.HandleReceivePack(ctx, "test", body); err != nil {
		t.Fatal(err)
	}

	head, err := fsys.Read(ctx, ".git/HEAD")
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(head), "ref: refs/heads/master\n"; got != want {
		t.Errorf("HEAD = %q; want %q", got, want)
	}
}

func TestPushExistingObject(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestServer(t)
	blob, tree, commit := testObjects()

	body := pushBody(gittest.Pack(blob, tree, commit),
		fmt.Sprintf("%s %s refs/heads/main", zeroOid, commit.Oid))
	if _, err := s.HandleReceivePack(ctx, "test", body); err != nil {
		t.Fatal(err)
	}

	// A later no-pack push may point a new ref at an object the
	// repository already holds.
	body = pushBody(nil, fmt.Sprintf("%s %s refs/heads/release", zeroOid, commit.Oid))
	resp, err := s.HandleReceivePack(ctx, "test", body)
	if err != nil {
		t.Fatal(err)
	}
	got := parseReport(t, resp)
	want := []string{"unpack ok", "ok refs/heads/release"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRefCommands(t *testing.T) {
	blobOid := strings.Repeat("a", 40)
	body := pushBody([]byte("PACKxxxx"),
		fmt.Sprintf("%s %s refs/heads/main", zeroOid, blobOid),
		"mangled line without oids",
		fmt.Sprintf("%s tooshort refs/heads/dev", zeroOid),
		fmt.Sprintf("%s %s refs/heads/ok", blobOid, zeroOid))

	cmds, packStart := parseRefCommands(body)
	if len(cmds) != 2 {
		t.Fatalf("parsed %d commands (%v); want 2", len(cmds), cmds)
	}
	if cmds[0].Name != "refs/heads/main" || cmds[1].Name != "refs/heads/ok" {
		t.Errorf("commands = %v", cmds)
	}
	// Capabilities were stripped off the first line.
	if cmds[0].New != engine.Oid(blobOid) {
		t.Errorf("cmds[0].New = %s; want %s", cmds[0].New, blobOid)
	}
	if got := string(body[packStart:]); got != "PACKxxxx" {
		t.Errorf("bytes at packStart = %q; want pack bytes", got)
	}
}

func TestLocatePack(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string // "" means no pack
	}{
		{"at offset", "PACKabc", "PACKabc"},
		{"leading junk", "junkPACKabc", "PACKabc"},
		{"no signature", "nothing here", ""},
		{"past window", strings.Repeat("x", 101) + "PACKabc", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		got := locatePack([]byte(tt.body), 0)
		if string(got) != tt.want {
			t.Errorf("%s: locatePack = %q; want %q", tt.name, got, tt.want)
		}
	}
}

func TestSanitizeStatus(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"two\nlines", "two lines"},
		{"crlf\r\nhere", "crlf here"},
		{"bell\x07char", "bellchar"},
		{"tab\there", "tabhere"},
	}
	for _, tt := range tests {
		if got := sanitizeStatus(tt.in); got != tt.want {
			t.Errorf("sanitizeStatus(%q) = %q; want %q", tt.in, got, tt.want)
		}
	}
}

func TestPushToUnknownRepo(t *testing.T) {
	s, _ := newTestServer(t)
	_, err := s.HandleReceivePack(context.Background(), "nope", pushBody(nil))
	if err == nil {
		t.Fatal("push to unknown repo succeeded; want error")
	}
}
