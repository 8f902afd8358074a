package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/alertops/dataminr-relay/internal/dataminr"
	"github.com/alertops/dataminr-relay/internal/store"
)

// Entity is one indicator submitted to a lookup.
type Entity struct {
	// Value is the raw indicator text, also the fan-out correlation key.
	Value string `json:"value"`

	// IsIP marks the value as an IP address; private IPv4 addresses are
	// dropped before the fan-out.
	IsIP bool `json:"isIP"`

	// Types carries the caller's indicator classification; it is echoed
	// back untouched.
	Types []string `json:"types,omitempty"`
}

// LookupResult is the per-entity answer. Data is null when no alerts
// matched the entity or the entity was dropped.
type LookupResult struct {
	Entity string      `json:"entity"`
	Data   *LookupData `json:"data"`
}

// LookupData carries the match summary and, outside trial mode, the
// matching alerts.
type LookupData struct {
	Summary []string      `json:"summary"`
	Details LookupDetails `json:"details"`
}

type LookupDetails struct {
	AlertCount int           `json:"alertCount"`
	Alerts     []store.Alert `json:"alerts"`
}

// lookup fans one alerts search per entity out through the gateway,
// admits every hit into the store, and assembles per-entity results.
func (d *Dispatcher) lookup(ctx context.Context, entities []Entity) ([]LookupResult, error) {
	kept := removePrivateIPs(entities)

	queries := make([]string, len(kept))
	for i, e := range kept {
		queries[i] = e.Value
	}
	searched := d.client.SearchAlerts(ctx, queries, dataminr.MaxPageSize)

	byQuery := make(map[string]dataminr.SearchResult, len(searched))
	for _, r := range searched {
		byQuery[r.Query] = r
		if r.Err == nil && len(r.Alerts) > 0 {
			// Populate the read path so follow-up renders hit the cache.
			d.store.Add(r.Alerts)
		}
	}

	results := make([]LookupResult, 0, len(entities))
	for _, e := range entities {
		res := LookupResult{Entity: e.Value}

		r, ok := byQuery[e.Value]
		if !ok {
			// Dropped before the fan-out.
			results = append(results, res)
			continue
		}
		if r.Err != nil {
			d.logger.Warn("entity lookup failed",
				slog.String("entity", e.Value),
				slog.Any("error", r.Err))
			results = append(results, res)
			continue
		}
		if n := len(r.Alerts); n > 0 {
			res.Data = &LookupData{
				Summary: []string{alertSummary(n)},
				Details: LookupDetails{AlertCount: n, Alerts: r.Alerts},
			}
			if d.trialMode {
				res.Data.Details.Alerts = []store.Alert{}
			}
		}
		results = append(results, res)
	}
	return results, nil
}

// alertSummary renders the per-entity match count; a full page gets a "+"
// since more matches may exist beyond the page size.
func alertSummary(n int) string {
	if n == dataminr.MaxPageSize {
		return fmt.Sprintf("Alerts: %d+", n)
	}
	return fmt.Sprintf("Alerts: %d", n)
}

// removePrivateIPs drops entities flagged as IPs whose value falls in the
// private IPv4 ranges 10/8, 172.16/12 or 192.168/16.
func removePrivateIPs(entities []Entity) []Entity {
	out := make([]Entity, 0, len(entities))
	for _, e := range entities {
		if e.IsIP && isPrivateIPv4(e.Value) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func isPrivateIPv4(value string) bool {
	ip := net.ParseIP(value)
	if ip == nil {
		return false
	}
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	switch {
	case v4[0] == 10:
		return true
	case v4[0] == 172 && v4[1]&0xf0 == 16:
		return true
	case v4[0] == 192 && v4[1] == 168:
		return true
	}
	return false
}
