// Copyright (c) Tailscale Inc & AUTHORS
// SPDX-License-Identifier: BSD-3-Clause

package gitvfs

import (
	"encoding/json"
	"net/http"
	"time"
)

var processStart = time.Now()

type statusJSON struct {
	Uptime     string `json:"uptime"`
	Pushes     int64  `json:"pushes"`
	PushFails  int64  `json:"pushFailures"`
	RefUpdates int64  `json:"refUpdates"`
	RefFails   int64  `json:"refFailures"`
	Fetches    int64  `json:"fetches"`
	Ads        int64  `json:"advertisements"`
	BytesIn    int64  `json:"packBytesIn"`
	BytesOut   int64  `json:"packBytesOut"`
}

// ServeStatus answers a JSON snapshot of the server's counters, for
// the debug mux.
func (s *Server) ServeStatus(w http.ResponseWriter, r *http.Request) {
	st := statusJSON{
		Uptime:     time.Since(processStart).Round(time.Second).String(),
		Pushes:     s.Pushes.Value(),
		PushFails:  s.PushFailures.Value(),
		RefUpdates: s.RefUpdates.Value(),
		RefFails:   s.RefFailures.Value(),
		Fetches:    s.Fetches.Value(),
		Ads:        s.Advertisements.Value(),
		BytesIn:    s.PackBytesIn.Value(),
		BytesOut:   s.PackBytesOut.Value(),
	}
	w.Header().Set("Content-Type", "application/json")
	e := json.NewEncoder(w)
	e.SetIndent("", "\t")
	e.Encode(st)
}
