// Package auth verifies Pub/Sub push requests and defines the OAuth token
// persistence contract. OAuth token acquisition itself is a thin wrapper
// around the oauth2 package; the interesting state lives in the store.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// GoogleJWKSURL serves the keys Google signs push OIDC tokens with.
const GoogleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

const googleIssuer = "https://accounts.google.com"

// PushVerifier validates the OIDC bearer token Pub/Sub attaches to push
// requests: signature against Google's JWKS, audience, issuer and the
// service account the subscription is configured to push as. JWKS keys are
// cached and refreshed in the background so verification stays off the
// network on the hot path.
type PushVerifier struct {
	audience       string
	serviceAccount string
	jwksURL        string
	cache          *jwk.Cache
	refreshTTL     time.Duration

	mu     sync.RWMutex
	keySet jwk.Set
}

// NewPushVerifier builds a verifier for the given push audience and the
// service account expected in the token's email claim.
func NewPushVerifier(audience, serviceAccount string) (*PushVerifier, error) {
	v := &PushVerifier{
		audience:       audience,
		serviceAccount: serviceAccount,
		jwksURL:        GoogleJWKSURL,
		refreshTTL:     5 * time.Minute,
	}

	cache := jwk.NewCache(context.Background())
	if err := cache.Register(v.jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("register JWKS URL: %w", err)
	}
	v.cache = cache

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	keySet, err := v.fetchKeySet(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial JWKS fetch: %w", err)
	}
	v.keySet = keySet

	go v.backgroundRefresh()

	return v, nil
}

func (v *PushVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *PushVerifier) backgroundRefresh() {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		keySet, err := v.fetchKeySet(ctx)
		cancel()

		if err == nil {
			v.mu.Lock()
			v.keySet = keySet
			v.mu.Unlock()
		}
		// On error the previous key set keeps serving until the next tick.
	}
}

func (v *PushVerifier) getKeySet() jwk.Set {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keySet
}

// VerifyRequest checks the request's bearer token. It returns an error for
// anything other than a valid push token from the configured subscription.
func (v *PushVerifier) VerifyRequest(r *http.Request) error {
	token, err := jwt.ParseRequest(
		r,
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
		jwt.WithIssuer(googleIssuer),
		jwt.WithAudience(v.audience),
	)
	if err != nil {
		return fmt.Errorf("parse push token: %w", err)
	}

	emailClaim, ok := token.Get("email")
	if !ok {
		return fmt.Errorf("push token missing email claim")
	}
	email, _ := emailClaim.(string)
	if email != v.serviceAccount {
		return fmt.Errorf("push token from unexpected account %q", email)
	}
	return nil
}
