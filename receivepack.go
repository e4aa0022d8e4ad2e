// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package gitvfs

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"strings"

	"tailscale.com/util/set"

	"github.com/tailscale/gitvfs/engine"
	"github.com/tailscale/gitvfs/pktline"
	"github.com/tailscale/gitvfs/vfs"
)

// refCommand is one parsed ref-update line of a push: update Name from
// Old to New. A zero New deletes the ref.
type refCommand struct {
	Old, New engine.Oid
	Name     string
}

// HandleReceivePack serves a push. body is the raw request payload:
// pkt-line ref-update commands, a flush, then (except for delete-only
// pushes) a packfile. The returned buffer is always a well-formed
// report-status response, even when the push failed; the error return
// is only for failures to reach the repository at all.
//
// Pushes to the same repository are serialized; the existence checks
// during ref application are not safe against a concurrent indexer.
func (s *Server) HandleReceivePack(ctx context.Context, repo string, body []byte) (_ []byte, err error) {
	span := s.Stats.StartSpan("receive-pack")
	defer func() { span.End(err) }()

	fsys, err := s.Open(ctx, repo)
	if err != nil {
		return nil, err
	}
	eng := s.engineFor(fsys)
	s.Pushes.Add(1)

	mu := s.pushLock(repo)
	mu.Lock()
	defer mu.Unlock()

	cmds, packStart := parseRefCommands(body)
	pack := locatePack(body, packStart)

	resp := func() (out []byte) {
		defer func() {
			if e := recover(); e != nil {
				log.Printf("receive-pack %s: panic: %v", repo, e)
				s.PushFailures.Add(1)
				out = reportStatus(cmds, fmt.Sprintf("internal error: %v", e), nil)
			}
		}()
		return s.applyPush(ctx, repo, fsys, eng, cmds, pack)
	}()
	return resp, nil
}

// applyPush runs the push pipeline: size pre-check, pack persist and
// index, then per-ref application. Size and indexing failures are
// global (no ref is touched); a missing target object fails only its
// own ref.
func (s *Server) applyPush(ctx context.Context, repo string, fsys vfs.FS, eng engine.Engine, cmds []refCommand, pack []byte) []byte {
	var indexed set.Set[engine.Oid] // nil when the push carried no pack
	if pack != nil {
		// Validate before writing anything: a partially stored
		// oversized pack must not reach the object store.
		if s.MaxObjectSize > 0 && int64(len(pack)) > s.MaxObjectSize {
			s.PushFailures.Add(1)
			return reportStatus(cmds, fmt.Sprintf("pack of %d bytes exceeds maximum object size %d", len(pack), s.MaxObjectSize), nil)
		}
		s.PackBytesIn.Add(int64(len(pack)))

		packPath := fmt.Sprintf(".git/objects/pack/pack-incoming-%08x%08x.pack", rand.Uint32(), rand.Uint32())
		if err := fsys.Write(ctx, packPath, pack); err != nil {
			s.PushFailures.Add(1)
			return reportStatus(cmds, "store pack: "+err.Error(), nil)
		}

		ictx, cancel := context.WithTimeout(ctx, s.indexTimeout())
		oids, err := eng.IndexPack(ictx, packPath)
		cancel()
		if err != nil {
			// Remove the pack and whatever partial index the engine
			// may have produced; errors here don't matter as long as
			// no ref ever points into the broken pack.
			fsys.Unlink(ctx, packPath)
			fsys.Unlink(ctx, engine.IdxPathFor(packPath))
			s.PushFailures.Add(1)
			return reportStatus(cmds, "index-pack: "+err.Error(), nil)
		}
		s.logf("receive-pack %s: indexed %d objects from %d pack bytes", repo, len(oids), len(pack))

		indexed = make(set.Set[engine.Oid])
		for _, oid := range oids {
			indexed.Add(oid)
		}
	}

	refErr := map[string]string{}
	for _, c := range cmds {
		if err := s.applyRef(ctx, repo, eng, c, indexed); err != nil {
			s.RefFailures.Add(1)
			refErr[c.Name] = err.Error()
			continue
		}
		s.RefUpdates.Add(1)
	}
	return reportStatus(cmds, "", refErr)
}

// applyRef applies a single ref-update command. Failures are isolated
// to this ref.
func (s *Server) applyRef(ctx context.Context, repo string, eng engine.Engine, c refCommand, indexed set.Set[engine.Oid]) error {
	if c.New == zeroOid {
		return eng.DeleteRef(ctx, c.Name)
	}

	if indexed == nil || !indexed.Contains(c.New) {
		// Not in the pushed pack; the push may legitimately point a
		// ref at an object the repository already holds.
		ok, err := s.hasObject(ctx, repo, eng, c.New)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("object %s not found", c.New)
		}
	}

	bootstrapHead := (c.Name == "refs/heads/main" || c.Name == "refs/heads/master") &&
		!headResolves(ctx, eng)

	if err := eng.WriteRef(ctx, c.Name, string(c.New), engine.WriteRefOpts{Force: true}); err != nil {
		return err
	}
	if bootstrapHead {
		if err := eng.WriteRef(ctx, "HEAD", c.Name, engine.WriteRefOpts{Force: true, Symbolic: true}); err != nil {
			// The branch itself landed; a HEAD bootstrap failure
			// shouldn't fail the ref.
			log.Printf("receive-pack %s: set HEAD to %s: %v", repo, c.Name, err)
		}
	}
	return nil
}

// parseRefCommands walks the pkt-lines of a push request up to the
// terminating flush. Malformed lines (wrong field count, oids that are
// not 40 hex digits) are discarded. packStart is the byte offset just
// past the flush, where packfile bytes begin.
func parseRefCommands(body []byte) (cmds []refCommand, packStart int) {
	r := pktline.NewReader(body)
	first := true
	for {
		line, flush, err := r.Next()
		if err != nil {
			return cmds, len(body) // no flush; nothing trails the commands
		}
		if flush {
			return cmds, r.Offset()
		}
		text := strings.TrimSuffix(string(line), "\n")
		if first {
			// Capabilities ride after a NUL on the first line only.
			text, _, _ = strings.Cut(text, "\x00")
			first = false
		}
		parts := strings.Split(text, " ")
		if len(parts) != 3 {
			continue
		}
		oldOid, newOid, name := engine.Oid(parts[0]), engine.Oid(parts[1]), parts[2]
		if !oldOid.Valid() || !newOid.Valid() || name == "" {
			continue
		}
		cmds = append(cmds, refCommand{Old: oldOid, New: newOid, Name: name})
	}
}

// locatePack finds the packfile in a push body. The PACK signature is
// searched for within the first 100 bytes after the command flush, in
// case the payload carries stray framing bytes ahead of it. nil means
// the push has no pack (e.g. a delete-only push).
func locatePack(body []byte, start int) []byte {
	if start >= len(body) {
		return nil
	}
	window := body[start:min(start+100, len(body))]
	i := bytes.Index(window, []byte("PACK"))
	if i < 0 {
		return nil
	}
	return body[start+i:]
}

// reportStatus builds the sideband-multiplexed report-status response.
// A non-empty globalErr yields "unpack error" and forces every ref to
// ng with that message; otherwise refs fail individually per refErr.
func reportStatus(cmds []refCommand, globalErr string, refErr map[string]string) []byte {
	var rep bytes.Buffer
	if globalErr == "" {
		pktline.WriteString(&rep, "unpack ok\n")
	} else {
		pktline.WriteString(&rep, "unpack error "+sanitizeStatus(globalErr)+"\n")
	}
	for _, c := range cmds {
		switch {
		case globalErr != "":
			pktline.WriteString(&rep, fmt.Sprintf("ng %s %s\n", c.Name, sanitizeStatus(globalErr)))
		case refErr[c.Name] != "":
			pktline.WriteString(&rep, fmt.Sprintf("ng %s %s\n", c.Name, sanitizeStatus(refErr[c.Name])))
		default:
			pktline.WriteString(&rep, "ok "+c.Name+"\n")
		}
	}
	pktline.WriteFlush(&rep)

	var out bytes.Buffer
	pktline.WriteSideband(&out, pktline.BandData, rep.Bytes())
	pktline.WriteFlush(&out)
	return out.Bytes()
}

// sanitizeStatus makes msg safe to embed in a report-status pkt-line:
// newlines become spaces, other control characters are dropped.
func sanitizeStatus(msg string) string {
	msg = strings.ReplaceAll(msg, "\r\n", " ")
	msg = strings.ReplaceAll(msg, "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, msg)
}
