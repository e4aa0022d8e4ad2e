// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

// The gitvfs server speaks the git smart-HTTP protocol for
// repositories stored in a SQLite-backed virtual filesystem, so
// pushes, clones and fetches work without a real filesystem or git
// binary per repository.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/tailscale/gitvfs"
	"github.com/tailscale/gitvfs/stats"
	"github.com/tailscale/gitvfs/vfs"
	"github.com/tailscale/gitvfs/vfs/dbfs"
)

var (
	listen        = flag.String("listen", ":8418", "address to serve git smart-HTTP on")
	debugListen   = flag.String("http-debug", "", "if set, listen on this address for a debug HTTP server")
	dbPath        = flag.String("db", "gitvfs.db", "path to the SQLite database holding the repositories")
	maxObjectSize = flag.Int64("max-object-size", 50<<20, "maximum size in bytes of a single stored object or pushed pack; 0 means unlimited")
	indexTimeout  = flag.Duration("index-timeout", time.Minute, "how long a pushed pack may take to index before the push fails")
	verbose       = flag.Bool("verbose", false, "enable verbose logging")
)

func main() {
	flag.Parse()

	store, err := dbfs.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database %s: %v", *dbPath, err)
	}
	defer store.Close()
	store.MaxObjectSize = *maxObjectSize

	st := &stats.Stats{}
	srv := &gitvfs.Server{
		Open: func(ctx context.Context, repo string) (vfs.FS, error) {
			fsys := store.Repo(repo)
			ok, err := fsys.Exists(ctx, ".git/HEAD")
			if err != nil {
				return nil, err
			}
			if !ok {
				// First contact creates the repository.
				if err := gitvfs.InitRepo(ctx, fsys); err != nil {
					return nil, err
				}
			}
			return fsys, nil
		},
		MaxObjectSize: *maxObjectSize,
		IndexTimeout:  *indexTimeout,
		Stats:         st,
		Verbose:       *verbose,
	}

	var group errgroup.Group

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", *listen, err)
	}
	log.Printf("git smart-HTTP server listening on %s", ln.Addr())
	group.Go(func() error {
		return (&http.Server{Handler: srv}).Serve(ln)
	})

	if *debugListen != "" {
		reg := prometheus.NewRegistry()
		srv.RegisterMetrics(reg)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.Handle("/stats", st)
		mux.HandleFunc("/status", srv.ServeStatus)

		dln, err := net.Listen("tcp", *debugListen)
		if err != nil {
			log.Fatalf("Failed to listen on %s: %v", *debugListen, err)
		}
		log.Printf("Debug HTTP server listening on %s", dln.Addr())
		group.Go(func() error {
			return (&http.Server{Handler: mux}).Serve(dln)
		})
	}

	log.Fatal(group.Wait())
}
