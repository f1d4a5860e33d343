package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// RefreshMargin is how close to expiry a stored access token may be before
// a refresh is forced. Tokens with more headroom than this are reused.
const RefreshMargin = 5 * time.Minute

// Refresher returns currently-valid access tokens, transparently refreshing
// and persisting rotated credentials when the stored token is expired or
// near expiry.
//
// A refresh-token exchange is not idempotent against the provider (a second
// concurrent exchange may invalidate the first result), so refreshes are
// serialized per user: concurrent callers for the same user share a single
// exchange and its result.
type Refresher struct {
	store  *Store
	margin time.Duration
	group  singleflight.Group

	now func() time.Time
}

// NewRefresher creates a Refresher over the given store.
func NewRefresher(store *Store) *Refresher {
	return &Refresher{
		store:  store,
		margin: RefreshMargin,
		now:    time.Now,
	}
}

// AccessToken returns a valid access token for the user.
//
// Returns ErrNotConnected when no credential exists, and
// ErrReauthorizationRequired when the refresh token was rejected; in the
// latter case stored state is left untouched.
func (r *Refresher) AccessToken(ctx context.Context, userID string) (string, error) {
	cred, err := r.store.Get(ctx, userID)
	if err != nil {
		return "", err
	}

	if cred.ExpiresAt.After(r.now().Add(r.margin)) {
		return cred.AccessToken, nil
	}

	v, err, _ := r.group.Do(userID, func() (interface{}, error) {
		return r.refresh(ctx, userID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// refresh performs the refresh-token grant and persists the rotated
// credential. It re-reads the stored credential first: a caller that waited
// on another flight's result may find the token already rotated.
func (r *Refresher) refresh(ctx context.Context, userID string) (string, error) {
	cred, err := r.store.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if cred.ExpiresAt.After(r.now().Add(r.margin)) {
		return cred.AccessToken, nil
	}

	refreshToken, err := r.store.RefreshToken(ctx, cred)
	if err != nil {
		return "", err
	}

	// Expiry in the past forces the TokenSource to hit the token endpoint.
	seed := &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       r.now().Add(-time.Hour),
	}

	newToken, err := r.store.Config().TokenSource(ctx, seed).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return "", fmt.Errorf("refresh token rejected: %w", ErrReauthorizationRequired)
		}
		return "", fmt.Errorf("token refresh failed: %w", err)
	}

	cred.AccessToken = newToken.AccessToken
	cred.ExpiresAt = newToken.Expiry
	cred.UpdatedAt = r.now()
	if newToken.RefreshToken != "" && newToken.RefreshToken != refreshToken {
		encrypted, err := r.store.encryptor.Encrypt(ctx, newToken.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("failed to encrypt rotated refresh token: %w", err)
		}
		cred.EncryptedRefreshToken = encrypted
	}

	if err := r.store.Upsert(ctx, *cred); err != nil {
		return "", fmt.Errorf("failed to persist refreshed credential: %w", err)
	}

	return newToken.AccessToken, nil
}
