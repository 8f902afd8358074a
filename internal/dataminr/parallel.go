package dataminr

import (
	"context"
	"log/slog"
	"sync"
)

// Result is one entry of a ParallelRequests fan-out. A failed request
// produces a nil Body and carries its error; the fan-out itself never
// fails because of an individual request.
type Result struct {
	// ResultID echoes the Request.ResultID for correlation.
	ResultID string
	// Body is the response body, nil on failure.
	Body []byte
	// Err is the per-request failure, nil on success.
	Err error
}

// ParallelRequests runs the given requests concurrently. Each request still
// passes through the shared queue and rate-limit gate, so concurrency here
// governs only how many requests may be waiting at once. Results are
// returned in input order.
func (c *Client) ParallelRequests(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			body, err := c.Do(ctx, req)
			if err != nil {
				c.logger.Warn("parallel request failed",
					slog.String("result_id", req.ResultID),
					slog.String("route", req.Route),
					slog.Any("error", err))
			}
			results[i] = Result{ResultID: req.ResultID, Body: body, Err: err}
		}(i, req)
	}
	wg.Wait()

	return results
}

// Succeeded filters a fan-out down to its successful entries.
func Succeeded(results []Result) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		if r.Err == nil {
			out = append(out, r)
		}
	}
	return out
}
