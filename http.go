// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package gitvfs

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/tailscale/gitvfs/vfs"
)

// ServeHTTP routes the smart-HTTP endpoints:
//
//	GET  /<repo>/info/refs?service=git-{upload,receive}-pack
//	POST /<repo>/git-upload-pack
//	POST /<repo>/git-receive-pack
//
// Repository names may contain slashes, so everything up to the known
// suffix is the repo.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := strings.Trim(r.URL.Path, "/")
	switch {
	case strings.HasSuffix(p, "/info/refs") && r.Method == "GET":
		s.serveInfoRefs(w, r, strings.TrimSuffix(p, "/info/refs"))
	case strings.HasSuffix(p, "/git-upload-pack") && r.Method == "POST":
		s.serveUploadPack(w, r, strings.TrimSuffix(p, "/git-upload-pack"))
	case strings.HasSuffix(p, "/git-receive-pack") && r.Method == "POST":
		s.serveReceivePack(w, r, strings.TrimSuffix(p, "/git-receive-pack"))
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) serveInfoRefs(w http.ResponseWriter, r *http.Request, repo string) {
	service := r.URL.Query().Get("service")
	body, err := s.HandleInfoRefs(r.Context(), repo, service)
	if err != nil {
		if errors.Is(err, ErrBadService) {
			// Dumb-protocol clients get turned away rather than a
			// static-file fallback.
			http.Error(w, "smart HTTP only", http.StatusForbidden)
			return
		}
		s.httpError(w, repo, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-"+service+"-advertisement")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(body)
}

func (s *Server) serveUploadPack(w http.ResponseWriter, r *http.Request, repo string) {
	reqBody, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body, err := s.HandleUploadPack(r.Context(), repo, reqBody)
	if err != nil {
		s.httpError(w, repo, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-git-upload-pack-result")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(body)
}

func (s *Server) serveReceivePack(w http.ResponseWriter, r *http.Request, repo string) {
	reqBody, err := readBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body, err := s.HandleReceivePack(r.Context(), repo, reqBody)
	if err != nil {
		s.httpError(w, repo, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-git-receive-pack-result")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(body)
}

func (s *Server) httpError(w http.ResponseWriter, repo string, err error) {
	if vfs.IsNotFound(err) {
		http.Error(w, "repository not found", http.StatusNotFound)
		return
	}
	log.Printf("gitvfs: repo %q: %v", repo, err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// readBody reads the request payload, transparently ungzipping it;
// git clients compress push bodies when the server looks HTTP/1.1-ish.
func readBody(r *http.Request) ([]byte, error) {
	var rd io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		rd = zr
	}
	return io.ReadAll(rd)
}
