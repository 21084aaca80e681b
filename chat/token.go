package chat

import (
	"fmt"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

// credentialsFrom builds credentials from a token response. Missing
// user id or expiration are read from the token's claims.
func credentialsFrom(resp TokenResponse) (*models.Credentials, error) {
	if resp.Token == "" {
		return nil, fmt.Errorf("%w: response has no token", chaterrors.ErrAPIResponse)
	}

	creds := &models.Credentials{
		Token:  resp.Token,
		UserID: resp.ID,
	}

	if resp.Expiration > 0 {
		creds.Expiration = time.Unix(resp.Expiration, 0).UTC()
	}

	if creds.UserID != "" && !creds.Expiration.IsZero() {
		return creds, nil
	}

	subject, exp, err := tokenClaims(resp.Token)
	if err != nil {
		// Opaque tokens are allowed; the session simply has no expiry.
		return creds, nil //nolint:nilerr
	}

	if creds.UserID == "" {
		creds.UserID = subject
	}

	if creds.Expiration.IsZero() {
		creds.Expiration = exp
	}

	return creds, nil
}

// tokenClaims reads the subject and expiry of a JWT without verifying
// its signature. The server is the only party that can verify it.
func tokenClaims(token string) (string, time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", time.Time{}, fmt.Errorf("parsing token claims: %w", err)
	}

	var exp time.Time
	if e, err := claims.GetExpirationTime(); err == nil && e != nil {
		exp = e.UTC()
	}

	subject, _ := claims.GetSubject()
	if subject == "" {
		for _, key := range []string{"user_id", "id"} {
			if v, ok := claims[key].(string); ok && v != "" {
				subject = v
				break
			}
		}
	}

	return subject, exp, nil
}
