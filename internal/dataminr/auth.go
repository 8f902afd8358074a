package dataminr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// tokenRoute is the vendor OAuth-style token endpoint.
const tokenRoute = "/auth/v1/token"

// tokenResponse is the wire shape of a successful token grant.
type tokenResponse struct {
	DMAToken string `json:"dmaToken"`
	// Expire is the token expiry as Unix milliseconds.
	Expire int64 `json:"expire"`
}

// cachedToken is one entry of the token cache.
type cachedToken struct {
	token     string
	expiresAt time.Time
}

// tokenCache maps clientId‖clientSecret to the most recently issued token.
// Entries are refreshed on demand (expiry) and invalidated on 401.
type tokenCache struct {
	mu      sync.Mutex
	entries map[string]cachedToken
	now     func() time.Time
}

func newTokenCache() *tokenCache {
	return &tokenCache{
		entries: make(map[string]cachedToken),
		now:     time.Now,
	}
}

func cacheKey(clientID, clientSecret string) string {
	return clientID + "\x00" + clientSecret
}

// get returns the cached token for the credentials, or false when no valid
// entry exists. Entries within expirySlack of their deadline are treated as
// expired so a token never dies mid-request.
func (tc *tokenCache) get(clientID, clientSecret string) (string, bool) {
	const expirySlack = 30 * time.Second

	tc.mu.Lock()
	defer tc.mu.Unlock()

	e, ok := tc.entries[cacheKey(clientID, clientSecret)]
	if !ok || tc.now().Add(expirySlack).After(e.expiresAt) {
		return "", false
	}
	return e.token, true
}

func (tc *tokenCache) put(clientID, clientSecret, token string, expiresAt time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.entries[cacheKey(clientID, clientSecret)] = cachedToken{token: token, expiresAt: expiresAt}
}

// invalidate drops the entry so the next request fetches a fresh token.
func (tc *tokenCache) invalidate(clientID, clientSecret string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	delete(tc.entries, cacheKey(clientID, clientSecret))
}

// resolveToken returns a bearer token for the configured credentials,
// fetching a new one from the token endpoint when the cache has no live
// entry. Token-endpoint failures are configuration errors and are not
// retried.
func (c *Client) resolveToken(ctx context.Context) (string, error) {
	if tok, ok := c.tokens.get(c.clientID, c.clientSecret); ok {
		return tok, nil
	}
	return c.fetchToken(ctx)
}

// fetchToken performs the POST /auth/v1/token grant and stores the result.
// Token requests bypass the outbound queue: they are issued on behalf of a
// request already holding the queue slot.
func (c *Client) fetchToken(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "api_key")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+tokenRoute, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("dataminr: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	c.metricsTokenFetch()

	resp, err := c.httpc.Do(req)
	if err != nil {
		c.metricsTokenError()
		return "", fmt.Errorf("dataminr: token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.metricsTokenError()
		body := readSmall(resp.Body)
		c.logger.Warn("token endpoint rejected credentials",
			slog.Int("status", resp.StatusCode),
			slog.String("body", body))
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrBadCredentials, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		c.metricsTokenError()
		return "", fmt.Errorf("dataminr: decode token response: %w", err)
	}
	if tr.DMAToken == "" {
		c.metricsTokenError()
		return "", fmt.Errorf("%w: token endpoint returned an empty token", ErrBadCredentials)
	}

	c.tokens.put(c.clientID, c.clientSecret, tr.DMAToken, time.UnixMilli(tr.Expire))
	return tr.DMAToken, nil
}

// readSmall reads a bounded diagnostic tail of a response body, flattened to
// a single line for structured logs.
func readSmall(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 2048))
	s := strings.TrimSpace(string(b))
	return strings.ReplaceAll(s, "\n", " ")
}
