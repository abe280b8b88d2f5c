package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

// errInvalidToken is the verifier's rejection: the credential was present
// and well-formed but did not verify (bad signature, expired, revoked).
// Any other verifier error is an internal failure, reported as
// AUTH_SERVICE_ERROR and never surfaced verbatim to the client.
var errInvalidToken = errors.New("INVALID_TOKEN")

// Principal is the verified identity attached to a request after the
// auth gate admits it. Created per request, never persisted.
type Principal struct {
	Subject string
	Claims  map[string]interface{}
}

// TokenVerifier checks a bearer credential and returns the principal it
// identifies. Implementations return errInvalidToken for rejections.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*Principal, error)
}

type principalContextKey struct{}

// requestPrincipal returns the principal attached by extractPrincipal.
func requestPrincipal(r *http.Request) *Principal {
	principal, ok := r.Context().Value(principalContextKey{}).(*Principal)
	if !ok {
		panic("developer error: auth middleware not provided")
	}
	return principal
}

// extractPrincipal verifies the bearer credential and attaches the
// resulting principal to the request context. Missing or malformed
// headers reject immediately without invoking the verifier.
func extractPrincipal(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				writeError(w, http.StatusUnauthorized, codeAuthRequired, "authentication required")
				return
			}

			principal, err := verifyPrincipal(r.Context(), verifier, token)
			if err != nil {
				if errors.Is(err, errInvalidToken) {
					writeError(w, http.StatusUnauthorized, codeInvalidToken, "invalid token")
					return
				}
				log.Println("token verification failed:", err)
				writeError(w, http.StatusInternalServerError, codeAuthServiceError, "auth service error")
				return
			}

			ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// verifyPrincipal invokes the verifier, converting a panic into an
// ordinary error so a misbehaving implementation still yields the
// AUTH_SERVICE_ERROR envelope instead of escaping the gate.
func verifyPrincipal(ctx context.Context, verifier TokenVerifier, token string) (principal *Principal, err error) {
	defer func() {
		if p := recover(); p != nil {
			principal = nil
			err = fmt.Errorf("verifier panic: %v", p)
		}
	}()
	return verifier.VerifyToken(ctx, token)
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

/* ======================
   Session-backed verifier
   ====================== */

// sessionVerifier resolves bearer tokens against the sessions table.
// Tokens are stored hashed; the raw token never touches the database.
type sessionVerifier struct {
	db *sql.DB
}

func newSessionVerifier(db *sql.DB) *sessionVerifier {
	return &sessionVerifier{db: db}
}

func (v *sessionVerifier) VerifyToken(ctx context.Context, token string) (*Principal, error) {
	var walletKey string
	var expiresAt time.Time
	err := v.db.QueryRowContext(ctx, `
		SELECT wallet_id, expires_at
		FROM sessions
		WHERE token_hash = $1
	`, hashToken(token)).Scan(&walletKey, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, errInvalidToken
	}
	if err != nil {
		return nil, err
	}

	if time.Now().UTC().After(expiresAt) {
		_, _ = v.db.ExecContext(ctx, `
			DELETE FROM sessions
			WHERE token_hash = $1
		`, hashToken(token))
		return nil, errInvalidToken
	}

	return &Principal{
		Subject: walletKey,
		Claims:  map[string]interface{}{"exp": expiresAt.Unix()},
	}, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
