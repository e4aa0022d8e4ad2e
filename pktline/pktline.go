// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// Package pktline implements the length-prefixed line framing of the git
// smart-HTTP protocol, plus the sideband multiplexing used by push
// responses.
//
// Each pkt-line is a 4-digit lowercase-hex length prefix followed by the
// payload; the prefix counts the payload's byte length plus the 4 prefix
// bytes themselves. The flush packet is the literal "0000".
package pktline

import (
	"bytes"
	"errors"
	"fmt"

	"go4.org/mem"
)

// MaxPayload is the largest payload a single pkt-line may carry:
// 65535 minus the 4 prefix bytes, further capped by git at 65516.
const MaxPayload = 65516

// Flush is the flush packet.
var Flush = []byte("0000")

// Sideband channel numbers.
const (
	BandData     = 1
	BandProgress = 2
	BandError    = 3
)

var errTooLong = errors.New("pktline: payload exceeds maximum pkt-line length")

// Write appends one pkt-line carrying p to buf.
func Write(buf *bytes.Buffer, p []byte) error {
	if len(p) > MaxPayload {
		return errTooLong
	}
	fmt.Fprintf(buf, "%04x", len(p)+4)
	buf.Write(p)
	return nil
}

// WriteString appends one pkt-line carrying s to buf. The prefix counts
// UTF-8 bytes, not runes: a payload containing "€" contributes 3.
func WriteString(buf *bytes.Buffer, s string) error {
	if len(s) > MaxPayload {
		return errTooLong
	}
	fmt.Fprintf(buf, "%04x", len(s)+4)
	buf.WriteString(s)
	return nil
}

// WriteFlush appends a flush packet to buf.
func WriteFlush(buf *bytes.Buffer) {
	buf.Write(Flush)
}

// WriteSideband appends p multiplexed on the given sideband channel:
// one or more pkt-lines whose payload is the channel byte followed by a
// chunk of p. Large payloads are split below the pkt-line ceiling.
func WriteSideband(buf *bytes.Buffer, band byte, p []byte) error {
	const chunk = MaxPayload - 1 // minus the channel byte
	for len(p) > 0 {
		n := min(len(p), chunk)
		fmt.Fprintf(buf, "%04x", n+5)
		buf.WriteByte(band)
		buf.Write(p[:n])
		p = p[n:]
	}
	return nil
}

// A Reader walks the pkt-lines of a byte buffer. It does not copy
// payloads; returned slices alias the input.
type Reader struct {
	buf []byte
	off int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Offset returns the byte offset of the next unread byte. Immediately
// after Next reports a flush, this marks the start of any trailing
// payload (e.g. packfile bytes in a push request).
func (r *Reader) Offset() int { return r.off }

// Next returns the next pkt-line payload, or flush=true (with a nil
// payload) for a flush packet. Reading past the end of the input or a
// malformed length prefix is an error.
func (r *Reader) Next() (payload []byte, flush bool, err error) {
	if r.off >= len(r.buf) {
		return nil, false, errors.New("pktline: unexpected end of input")
	}
	if r.off+4 > len(r.buf) {
		return nil, false, fmt.Errorf("pktline: truncated length prefix at offset %d", r.off)
	}
	n, err := mem.ParseUint(mem.B(r.buf[r.off:r.off+4]), 16, 32)
	if err != nil {
		return nil, false, fmt.Errorf("pktline: bad length prefix %q at offset %d", r.buf[r.off:r.off+4], r.off)
	}
	if n == 0 {
		r.off += 4
		return nil, true, nil
	}
	if n < 4 {
		return nil, false, fmt.Errorf("pktline: invalid length %d at offset %d", n, r.off)
	}
	end := r.off + int(n)
	if end > len(r.buf) {
		return nil, false, fmt.Errorf("pktline: length %d overruns input at offset %d", n, r.off)
	}
	payload = r.buf[r.off+4 : end]
	r.off = end
	return payload, false, nil
}
