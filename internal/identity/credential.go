package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

// ErrNoToken is returned when a credential has no valid access token.
var ErrNoToken = errors.New("credential has no usable access token")

// Credential is one scoped key held by an identity.
type Credential struct {
	grants CapabilitySet

	mu     sync.Mutex
	token  *oauth2.Token
	source oauth2.TokenSource
}

// NewCredential wraps a static token.
func NewCredential(tok *oauth2.Token, grants CapabilitySet) *Credential {
	return &Credential{token: tok, grants: grants}
}

// NewRefreshingCredential wraps a token source that refreshes on expiry.
// initial may be nil.
func NewRefreshingCredential(initial *oauth2.Token, src oauth2.TokenSource, grants CapabilitySet) *Credential {
	return &Credential{
		token:  initial,
		source: oauth2.ReuseTokenSource(initial, src),
		grants: grants,
	}
}

// Grants reports whether the credential covers c.
func (c *Credential) Grants(capability Capability) bool {
	return c.grants.Contains(capability)
}

// Capabilities returns the credential's grants.
func (c *Credential) Capabilities() CapabilitySet {
	return c.grants
}

// Usable reports whether Token can be expected to succeed without a network
// round trip or with a refresh.
func (c *Credential) Usable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source != nil || c.token.Valid()
}

// Token returns a valid access token, refreshing through the token source
// when one is configured.
func (c *Credential) Token(ctx context.Context) (*oauth2.Token, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.source == nil {
		if !c.token.Valid() {
			return nil, ErrNoToken
		}
		return c.token, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tok, err := c.source.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if !tok.Valid() {
		return nil, ErrNoToken
	}
	c.token = tok
	return tok, nil
}
