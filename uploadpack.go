// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package gitvfs

import (
	"bytes"
	"context"
	"strings"

	"github.com/tailscale/gitvfs/engine"
	"github.com/tailscale/gitvfs/pktline"
)

// HandleUploadPack serves a fetch/clone request. body is the raw
// request payload: "want" lines, optional "have" lines, and "done".
// The response is a NAK pkt-line followed by a packfile holding the
// closure of the wanted objects. Refs and objects are never mutated.
func (s *Server) HandleUploadPack(ctx context.Context, repo string, body []byte) (_ []byte, err error) {
	span := s.Stats.StartSpan("upload-pack")
	defer func() { span.End(err) }()

	fsys, err := s.Open(ctx, repo)
	if err != nil {
		return nil, err
	}
	eng := s.engineFor(fsys)
	s.Fetches.Add(1)

	wants := parseWants(body)

	var buf bytes.Buffer
	pktline.WriteString(&buf, "NAK\n")
	if len(wants) > 0 {
		pack, err := eng.BuildPack(ctx, wants)
		if err != nil {
			return nil, err
		}
		s.PackBytesOut.Add(int64(len(pack)))
		buf.Write(pack)
	}
	return buf.Bytes(), nil
}

// parseWants extracts the wanted oids from an upload-pack request.
// Lines that aren't well-formed want lines are ignored, as are
// duplicates. "have" negotiation is not attempted; the pack built for
// the wants is always complete.
func parseWants(body []byte) []engine.Oid {
	var wants []engine.Oid
	seen := map[engine.Oid]bool{}
	r := pktline.NewReader(body)
	for {
		line, flush, err := r.Next()
		if err != nil {
			break // end of input or framing damage; use what we have
		}
		if flush {
			continue
		}
		text := strings.TrimSuffix(string(line), "\n")
		if text == "done" {
			break
		}
		rest, ok := strings.CutPrefix(text, "want ")
		if !ok {
			continue
		}
		// The first want line may carry a capability list.
		oidStr, _, _ := strings.Cut(rest, " ")
		oid := engine.Oid(oidStr)
		if !oid.Valid() || oid == zeroOid || seen[oid] {
			continue
		}
		seen[oid] = true
		wants = append(wants, oid)
	}
	return wants
}
