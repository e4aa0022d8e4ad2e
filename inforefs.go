// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package gitvfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/tailscale/gitvfs/pktline"
)

// ErrBadService is returned by HandleInfoRefs for a service value
// other than git-upload-pack or git-receive-pack.
var ErrBadService = errors.New("unsupported service")

const (
	serviceUploadPack  = "git-upload-pack"
	serviceReceivePack = "git-receive-pack"

	agentCap = "agent=gitvfs/0.1"

	// receivePackCaps is what a push client may negotiate with us.
	receivePackCaps = "report-status report-status-v2 delete-refs side-band-64k quiet atomic ofs-delta"
)

// HandleInfoRefs builds the smart-HTTP ref advertisement for repo and
// the given service. The returned buffer is the complete HTTP
// response body.
func (s *Server) HandleInfoRefs(ctx context.Context, repo, service string) (_ []byte, err error) {
	span := s.Stats.StartSpan("info-refs")
	defer func() { span.End(err) }()

	if service != serviceUploadPack && service != serviceReceivePack {
		return nil, fmt.Errorf("%w: %q", ErrBadService, service)
	}
	fsys, err := s.Open(ctx, repo)
	if err != nil {
		return nil, err
	}
	eng := s.engineFor(fsys)
	s.Advertisements.Add(1)

	branches, err := listBranches(ctx, fsys, eng)
	if err != nil {
		return nil, err
	}
	head, err := resolveHead(ctx, fsys, eng, branches)
	if err != nil {
		return nil, err
	}

	caps := agentCap
	if service == serviceReceivePack {
		caps = receivePackCaps + " " + agentCap
	}
	if head.Symref != "" {
		caps = "symref=HEAD:" + head.Symref + " " + caps
	}

	var buf bytes.Buffer
	pktline.WriteString(&buf, "# service="+service+"\n")
	pktline.WriteFlush(&buf)

	if len(branches) == 0 && head.Oid == "" {
		// Empty repository: a single zero-oid line carrying the caps.
		pktline.WriteString(&buf, fmt.Sprintf("%s capabilities^{}\x00%s\n", zeroOid, caps))
		pktline.WriteFlush(&buf)
		return buf.Bytes(), nil
	}

	first := true
	writeRef := func(oid, name string) {
		if first {
			pktline.WriteString(&buf, fmt.Sprintf("%s %s\x00%s\n", oid, name, caps))
			first = false
			return
		}
		pktline.WriteString(&buf, fmt.Sprintf("%s %s\n", oid, name))
	}
	if head.Oid != "" {
		writeRef(string(head.Oid), "HEAD")
	}
	for _, b := range branches {
		writeRef(string(b.Oid), b.Name)
	}
	pktline.WriteFlush(&buf)
	return buf.Bytes(), nil
}
