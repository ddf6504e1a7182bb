// SPDX-License-Identifier: Apache-2.0
package health

import (
	"encoding/json"
	"net/http"

	"github.com/jllopis/pagerelay/pkg/relay"
)

// Report is the body of the HTTP status endpoint.
type Report struct {
	Status     Status       `json:"status"`
	Components []Result     `json:"components"`
	Relay      relay.Status `json:"relay"`
}

// StatusHandler serves relay status and component health as JSON.
// It answers 503 when any component is unhealthy.
func StatusHandler(p *Provider, src StatusSource) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		results, overall := p.CheckAll(r.Context())
		report := Report{Status: overall, Components: results, Relay: src.Status()}
		w.Header().Set("Content-Type", "application/json")
		if overall == Unhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
}
