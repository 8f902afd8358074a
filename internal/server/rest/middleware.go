// Package rest provides the HTTP surface of the alert relay: the action
// endpoint, the liveness probe, and the metrics exposition. This file
// implements RS256 JWT bearer-token authentication middleware.
//
// Requests to protected routes must include an Authorization header:
//
//	Authorization: Bearer <compact-JWT>
//
// The middleware extracts the token, accepts only the RS256 algorithm,
// verifies the RSA-PKCS1v15 signature against the configured public key,
// checks the exp claim, and injects the verified [Claims] into the request
// context. On any failure it responds 401 with a JSON error body and never
// calls the next handler.
//
// [ParseRSAPublicKey] accepts PEM-encoded keys in either PKCS#1
// ("RSA PUBLIC KEY") or PKIX ("PUBLIC KEY") format.
package rest

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// contextKey is an unexported type used for context keys in this package to
// avoid collisions with keys defined in other packages.
type contextKey int

const claimsKey contextKey = 0

// Claims holds the verified JWT payload claims injected into the request
// context by [JWTMiddleware]. Downstream handlers retrieve them with
// [ClaimsFromContext].
type Claims struct {
	// Issuer is the "iss" registered claim.
	Issuer string `json:"iss,omitempty"`
	// Subject is the "sub" registered claim; typically the caller ID.
	Subject string `json:"sub,omitempty"`
	// Audience is the "aud" registered claim. Per RFC 7519 this may be a
	// single string or an array; both forms are normalised to a []string.
	Audience Audience `json:"aud,omitempty"`
	// ExpiresAt is the "exp" registered claim (Unix seconds).
	ExpiresAt int64 `json:"exp,omitempty"`
	// IssuedAt is the "iat" registered claim (Unix seconds).
	IssuedAt int64 `json:"iat,omitempty"`
	// JWTID is the "jti" registered claim.
	JWTID string `json:"jti,omitempty"`
}

// Audience is a JWT "aud" value that may be serialised as either a JSON
// string or a JSON array. Both forms are unmarshalled into []string.
type Audience []string

// UnmarshalJSON implements [json.Unmarshaler].
func (a *Audience) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*a = Audience{s}
		return nil
	}
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return fmt.Errorf("jwt: cannot unmarshal audience: %w", err)
	}
	*a = Audience(arr)
	return nil
}

// ClaimsFromContext retrieves the verified [Claims] injected by
// [JWTMiddleware]. It returns (nil, false) when no claims are present.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}

// ParseRSAPublicKey decodes a PEM block and parses an RSA public key.
// It accepts both PKCS#1 ("RSA PUBLIC KEY") and PKIX ("PUBLIC KEY") encodings.
func ParseRSAPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("jwt: no PEM block found in public key data")
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwt: PKCS#1 parse error: %w", err)
		}
		return key, nil
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("jwt: PKIX parse error: %w", err)
		}
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("jwt: public key is not an RSA key")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("jwt: unsupported PEM type %q", block.Type)
	}
}

// JWTMiddleware returns a middleware enforcing RS256 JWT bearer-token
// authentication with the given public key. On success the verified
// [Claims] land in the request context and the request is forwarded; on
// failure the response is 401 with a JSON error body.
func JWTMiddleware(pubKey *rsa.PublicKey, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := extractAndValidate(r, pubKey)
			if err != nil {
				logger.Warn("jwt: authentication failed",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("error", err.Error()),
				)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// jwtHeader is the JOSE header decoded from the first JWT segment.
type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

// extractAndValidate parses the Authorization header, decodes the JWT,
// verifies the RS256 signature, checks the expiry claim, and returns the
// verified payload.
func extractAndValidate(r *http.Request, pubKey *rsa.PublicKey) (*Claims, error) {
	raw := r.Header.Get("Authorization")
	if !strings.HasPrefix(raw, "Bearer ") {
		return nil, errors.New("missing or malformed Authorization header")
	}
	token := strings.TrimPrefix(raw, "Bearer ")
	if token == "" {
		return nil, errors.New("empty bearer token")
	}
	return verifyRS256(token, pubKey)
}

// verifyRS256 performs the full RS256 JWT verification pipeline: split the
// compact serialisation, validate the JOSE header, verify the
// RSA-PKCS1v15 signature over the signing input, and decode the claims.
func verifyRS256(token string, pubKey *rsa.PublicKey) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errors.New("malformed JWT: expected 3 dot-separated segments")
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("malformed JWT header encoding: %w", err)
	}
	var header jwtHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("malformed JWT header JSON: %w", err)
	}
	if header.Alg != "RS256" {
		return nil, fmt.Errorf("unsupported algorithm %q: only RS256 is accepted", header.Alg)
	}

	payloadBytes, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed JWT payload encoding: %w", err)
	}
	sigBytes, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("malformed JWT signature encoding: %w", err)
	}

	// The signing input is the ASCII bytes of headerB64.payloadB64.
	signingInput := parts[0] + "." + parts[1]
	digest := sha256.Sum256([]byte(signingInput))
	if err := rsa.VerifyPKCS1v15(pubKey, crypto.SHA256, digest[:], sigBytes); err != nil {
		return nil, fmt.Errorf("invalid JWT signature: %w", err)
	}

	var claims Claims
	if err := json.Unmarshal(payloadBytes, &claims); err != nil {
		return nil, fmt.Errorf("malformed JWT payload JSON: %w", err)
	}

	if claims.ExpiresAt != 0 && time.Now().Unix() > claims.ExpiresAt {
		return nil, errors.New("JWT has expired")
	}

	return &claims, nil
}

// writeJSONError writes an HTTP error response with a JSON body. The
// Content-Type header is set before the status code so it survives early
// flushes.
func writeJSONError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	body := fmt.Sprintf(`{"detail":%q}`, detail)
	_, _ = w.Write([]byte(body))
}
