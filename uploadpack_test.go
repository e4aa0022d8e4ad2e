// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package gitvfs

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/tailscale/gitvfs/engine"
	"github.com/tailscale/gitvfs/pktline"
)

// fetchBody assembles an upload-pack request for the given oids.
func fetchBody(wants ...engine.Oid) []byte {
	var buf bytes.Buffer
	for i, w := range wants {
		line := fmt.Sprintf("want %s", w)
		if i == 0 {
			line += " agent=git/2.40.0"
		}
		pktline.WriteString(&buf, line+"\n")
	}
	pktline.WriteFlush(&buf)
	pktline.WriteString(&buf, "done\n")
	return buf.Bytes()
}

func TestUploadPack(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestServer(t)
	commitOid := pushMain(t, s)

	resp, err := s.HandleUploadPack(ctx, "test", fetchBody(commitOid))
	if err != nil {
		t.Fatalf("HandleUploadPack: %v", err)
	}
	const nak = "0008NAK\n"
	if !bytes.HasPrefix(resp, []byte(nak)) {
		t.Fatalf("response starts %q; want NAK pkt-line", resp[:min(len(resp), 8)])
	}
	pack := resp[len(nak):]
	if !bytes.HasPrefix(pack, []byte("PACK")) {
		t.Errorf("pack payload starts %q; want PACK signature", pack[:min(len(pack), 4)])
	}
}

func TestUploadPackNoWants(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestServer(t)
	pushMain(t, s)

	var body bytes.Buffer
	pktline.WriteFlush(&body)
	resp, err := s.HandleUploadPack(ctx, "test", body.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(resp), "0008NAK\n"; got != want {
		t.Errorf("response = %q; want bare NAK", got)
	}
}

func TestParseWants(t *testing.T) {
	oid1 := engine.Oid("1111111111111111111111111111111111111111")
	oid2 := engine.Oid("2222222222222222222222222222222222222222")

	var buf bytes.Buffer
	pktline.WriteString(&buf, fmt.Sprintf("want %s multi_ack side-band-64k\n", oid1))
	pktline.WriteString(&buf, fmt.Sprintf("want %s\n", oid2))
	pktline.WriteString(&buf, fmt.Sprintf("want %s\n", oid1)) // duplicate
	pktline.WriteString(&buf, "want notanoid\n")
	pktline.WriteString(&buf, "have 3333333333333333333333333333333333333333\n")
	pktline.WriteFlush(&buf)
	pktline.WriteString(&buf, "done\n")

	got := parseWants(buf.Bytes())
	want := []engine.Oid{oid1, oid2}
	if len(got) != len(want) {
		t.Fatalf("parseWants = %v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("parseWants[%d] = %s; want %s", i, got[i], want[i])
		}
	}
}
