package auth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
)

// TokenStore persists per-principal OAuth tokens.
type TokenStore interface {
	// Token returns the stored token; the boolean is false when the
	// principal never completed the OAuth flow.
	Token(ctx context.Context, principal string) (*oauth2.Token, bool, error)

	SetToken(ctx context.Context, principal string, tok *oauth2.Token) error
}

// ErrNoToken reports a principal without stored credentials.
type ErrNoToken struct {
	Principal string
}

func (e *ErrNoToken) Error() string {
	return fmt.Sprintf("no OAuth token stored for %q, complete the OAuth flow first", e.Principal)
}

// LoadToken fetches a principal's token, converting absence into ErrNoToken.
func LoadToken(ctx context.Context, store TokenStore, principal string) (*oauth2.Token, error) {
	tok, ok, err := store.Token(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("load token for %q: %w", principal, err)
	}
	if !ok {
		return nil, &ErrNoToken{Principal: principal}
	}
	return tok, nil
}
