package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// tokenExpiryBuffer renews a token this long before it expires.
const tokenExpiryBuffer = 5 * time.Minute

const graphScope = "https://graph.microsoft.com/.default"

// tokenURL is the Entra ID v2 token endpoint for a tenant.
func tokenURL(tenantID string) string {
	return fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(tenantID))
}

// credentials issues client-credentials access tokens and caches them
// until shortly before expiry. Safe for concurrent use.
type credentials struct {
	mu     sync.Mutex
	config clientcredentials.Config
	// base carries the HTTP client token requests are made with.
	base   context.Context
	source oauth2.TokenSource
}

func newCredentials(endpoint, clientID, clientSecret string, client *http.Client) *credentials {
	c := &credentials{
		config: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     endpoint,
			Scopes:       []string{graphScope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		base: context.WithValue(context.Background(), oauth2.HTTPClient, client),
	}
	c.source = c.newSource()
	return c
}

// newSource caches over direct fetches so tokenExpiryBuffer governs every
// renewal.
func (c *credentials) newSource() oauth2.TokenSource {
	fetch := fetchFunc(func() (*oauth2.Token, error) { return c.config.Token(c.base) })
	return oauth2.ReuseTokenSourceWithExpiry(nil, fetch, tokenExpiryBuffer)
}

type fetchFunc func() (*oauth2.Token, error)

func (f fetchFunc) Token() (*oauth2.Token, error) { return f() }

// Token returns a valid access token, fetching one when the cache is empty
// or about to expire.
func (c *credentials) Token() (string, error) {
	c.mu.Lock()
	src := c.source
	c.mu.Unlock()

	tok, err := src.Token()
	if err != nil {
		return "", tokenError(err)
	}
	return tok.AccessToken, nil
}

// Refresh drops the cached token and fetches a new one. Graph answers 401
// when a token was revoked before its advertised expiry.
func (c *credentials) Refresh() (string, error) {
	c.mu.Lock()
	c.source = c.newSource()
	c.mu.Unlock()
	return c.Token()
}

// tokenError reports token endpoint failures by status and OAuth error
// code only. The response body may echo request parameters.
func tokenError(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		if re.ErrorCode != "" {
			return fmt.Errorf("token endpoint returned HTTP %d (%s)", re.Response.StatusCode, re.ErrorCode)
		}
		return fmt.Errorf("token endpoint returned HTTP %d", re.Response.StatusCode)
	}
	return fmt.Errorf("failed to acquire token: %w", err)
}
