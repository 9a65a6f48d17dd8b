package daemon

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/oauth2"

	"github.com/yairfalse/esiwatch/internal/config"
	"github.com/yairfalse/esiwatch/internal/identity"
)

// loadIdentities registers the statically configured identities.
func (d *Daemon) loadIdentities(ctx context.Context) error {
	oauthCfg := ssoConfig(d.cfg.SSO)
	for _, ic := range d.cfg.Identities {
		ident := buildIdentity(ctx, ic, oauthCfg)
		if err := d.registry.Add(ident, ic.IsMonitored()); err != nil {
			return fmt.Errorf("register identity %d: %w", ic.ID, err)
		}
		d.logger.Info().
			Int64("identity_id", ic.ID).
			Str("name", ident.Name).
			Bool("monitored", ic.IsMonitored()).
			Int("credentials", len(ident.Credentials())).
			Msg("identity registered")
	}
	return nil
}

func ssoConfig(sso config.SSOConfig) *oauth2.Config {
	if !sso.Refreshes() {
		return nil
	}
	return &oauth2.Config{
		ClientID:     sso.ClientID,
		ClientSecret: sso.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  sso.AuthURL,
			TokenURL: sso.TokenURL,
		},
	}
}

// buildIdentity turns one config entry into an identity. Entries without
// tokens get no credential and can only reach public resources.
func buildIdentity(ctx context.Context, ic config.IdentityConfig, oauthCfg *oauth2.Config) *identity.Identity {
	name := ic.Name
	if name == "" {
		name = strconv.FormatInt(ic.ID, 10)
	}
	if ic.AccessToken == "" && ic.RefreshToken == "" {
		return identity.New(ic.ID, name)
	}

	grants := identity.ParseScopes(strings.Join(ic.Scopes, " "))
	tok := &oauth2.Token{
		AccessToken:  ic.AccessToken,
		RefreshToken: ic.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       ic.Expiry,
	}

	if ic.RefreshToken != "" && oauthCfg != nil {
		return identity.New(ic.ID, name, identity.NewRefreshingCredential(tok, oauthCfg.TokenSource(ctx, tok), grants))
	}
	return identity.New(ic.ID, name, identity.NewCredential(tok, grants))
}
