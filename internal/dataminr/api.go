package dataminr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/alertops/dataminr-relay/internal/store"
)

// Versioned vendor routes, relative to the configured API prefix.
const (
	alertsRoute = "/v1/alerts"
	listsRoute  = "/v1/lists"
)

// AlertsQuery is the query surface of GET /v1/alerts.
type AlertsQuery struct {
	// PageSize bounds the page; the vendor treats 0 as its own default.
	PageSize int

	// From and To are opaque pagination cursors from a previous page.
	From string
	To   string

	// Lists restricts the feed to the given watch-list ids.
	Lists []string

	// Query is a free-text indicator search term.
	Query string
}

func (q AlertsQuery) values() url.Values {
	v := url.Values{}
	if q.PageSize > 0 {
		v.Set("pageSize", fmt.Sprint(q.PageSize))
	}
	if q.From != "" {
		v.Set("from", q.From)
	}
	if q.To != "" {
		v.Set("to", q.To)
	}
	if len(q.Lists) > 0 {
		v.Set("lists", strings.Join(q.Lists, ","))
	}
	if q.Query != "" {
		v.Set("query", q.Query)
	}
	return v
}

// AlertsPage is one page of the alert feed. NextCursor/PrevCursor are
// extracted from the vendor's nextPage/previousPage URL strings.
type AlertsPage struct {
	Alerts     []store.Alert
	NextCursor string
	PrevCursor string
}

// alertsResponse is the wire shape of GET /v1/alerts.
type alertsResponse struct {
	Alerts       []store.Alert `json:"alerts"`
	NextPage     string        `json:"nextPage,omitempty"`
	PreviousPage string        `json:"previousPage,omitempty"`
}

// FetchAlerts requests one page of the alert feed.
func (c *Client) FetchAlerts(ctx context.Context, q AlertsQuery) (*AlertsPage, error) {
	body, err := c.Do(ctx, Request{Route: alertsRoute, Query: q.values()})
	if err != nil {
		return nil, err
	}

	var resp alertsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("dataminr: decode alerts response: %w", err)
	}

	return &AlertsPage{
		Alerts:     resp.Alerts,
		NextCursor: ExtractCursor(resp.NextPage),
		PrevCursor: ExtractCursor(resp.PreviousPage),
	}, nil
}

// FetchAlertByID requests a single alert. The vendor answers with either
// {alerts:[alert]} or a bare alert object; both shapes are tolerated.
// A 404 yields (nil, nil): not-found is not an error here.
func (c *Client) FetchAlertByID(ctx context.Context, id string, lists []string) (*store.Alert, error) {
	v := url.Values{}
	// The lists parameter is always present so the vendor includes
	// match-reason data when it can.
	v.Set("lists", strings.Join(lists, ","))

	body, err := c.Do(ctx, Request{
		Route: alertsRoute + "/" + url.PathEscape(id),
		Query: v,
	})
	if err != nil {
		if IsStatus(err, http.StatusNotFound) {
			return nil, nil
		}
		return nil, err
	}

	// Wrapped shape first.
	var wrapped struct {
		Alerts []store.Alert `json:"alerts"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && len(wrapped.Alerts) > 0 {
		return &wrapped.Alerts[0], nil
	}

	// Bare alert object.
	var bare store.Alert
	if err := json.Unmarshal(body, &bare); err != nil || bare.AlertID == "" {
		return nil, fmt.Errorf("dataminr: unrecognized single-alert response shape")
	}
	return &bare, nil
}

// listsResponse is the wire shape of GET /v1/lists: watch lists grouped by
// category name.
type listsResponse struct {
	Lists map[string][]store.List `json:"lists"`
}

// FetchLists retrieves the watch-list catalog, flattened across categories.
func (c *Client) FetchLists(ctx context.Context) ([]store.List, error) {
	body, err := c.Do(ctx, Request{Route: listsRoute})
	if err != nil {
		return nil, err
	}

	var resp listsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("dataminr: decode lists response: %w", err)
	}

	var out []store.List
	for _, group := range resp.Lists {
		out = append(out, group...)
	}
	return out, nil
}

// SearchResult is the outcome of one free-text search in a fan-out.
type SearchResult struct {
	// Query echoes the search term the result belongs to.
	Query  string
	Alerts []store.Alert
	Err    error
}

// SearchAlerts runs one alerts search per query concurrently through the
// shared queue, requesting up to pageSize alerts each. Results come back in
// input order; individual failures are carried per result, never returned
// as a whole.
func (c *Client) SearchAlerts(ctx context.Context, queries []string, pageSize int) []SearchResult {
	reqs := make([]Request, len(queries))
	for i, q := range queries {
		reqs[i] = Request{
			Route:    alertsRoute,
			Query:    AlertsQuery{PageSize: pageSize, Query: q}.values(),
			ResultID: q,
		}
	}

	raw := c.ParallelRequests(ctx, reqs)

	out := make([]SearchResult, len(raw))
	for i, r := range raw {
		out[i] = SearchResult{Query: r.ResultID, Err: r.Err}
		if r.Err != nil {
			continue
		}
		var resp alertsResponse
		if err := json.Unmarshal(r.Body, &resp); err != nil {
			out[i].Err = fmt.Errorf("dataminr: decode search response: %w", err)
			continue
		}
		out[i].Alerts = resp.Alerts
	}
	return out
}

// ExtractCursor pulls the resumption cursor out of a nextPage/previousPage
// URL string: its "from" query parameter, falling back to "to". An empty
// or unparseable input yields "".
func ExtractCursor(pageURL string) string {
	if pageURL == "" {
		return ""
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	if from := q.Get("from"); from != "" {
		return from
	}
	return q.Get("to")
}
