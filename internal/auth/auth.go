// Package auth supplies the GitHub OAuth token used to authenticate clone
// and fetch URLs.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"git.home.luguber.info/inful/worktreed/internal/config"
)

// TokenProvider returns the GitHub OAuth token for the current user. An
// empty token with a nil error means no token is configured.
type TokenProvider interface {
	GitHubOAuthToken(ctx context.Context) (string, error)
}

// OAuthTokenProvider reads a token from an environment variable or a token
// file. The file holds either a JSON-encoded oauth2.Token or the bare token.
type OAuthTokenProvider struct {
	envVar    string
	tokenFile string
	getenv    func(string) string
}

// NewOAuthTokenProvider builds a provider from the auth config section.
func NewOAuthTokenProvider(cfg config.AuthConfig) *OAuthTokenProvider {
	return &OAuthTokenProvider{envVar: cfg.TokenEnv, tokenFile: cfg.TokenFile, getenv: os.Getenv}
}

// GitHubOAuthToken implements TokenProvider.
func (p *OAuthTokenProvider) GitHubOAuthToken(ctx context.Context) (string, error) {
	ts, err := p.tokenSource()
	if err != nil || ts == nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tok, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("github token: %w", err)
	}
	if !tok.Valid() {
		return "", errors.New("github token expired")
	}
	return tok.AccessToken, nil
}

func (p *OAuthTokenProvider) tokenSource() (oauth2.TokenSource, error) {
	if p.envVar != "" {
		if v := strings.TrimSpace(p.getenv(p.envVar)); v != "" {
			return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: v}), nil
		}
	}
	if p.tokenFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(config.ExpandHome(p.tokenFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read token file: %w", err)
	}
	tok, err := parseToken(data)
	if err != nil {
		return nil, err
	}
	return oauth2.ReuseTokenSource(tok, oauth2.StaticTokenSource(tok)), nil
}

func parseToken(data []byte) (*oauth2.Token, error) {
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return nil, errors.New("token file is empty")
	}
	if strings.HasPrefix(raw, "{") {
		var tok oauth2.Token
		if err := json.Unmarshal([]byte(raw), &tok); err != nil {
			return nil, fmt.Errorf("decode token file: %w", err)
		}
		if tok.AccessToken == "" {
			return nil, errors.New("token file has no access_token")
		}
		if !tok.Expiry.IsZero() && tok.Expiry.Before(time.Now()) && tok.RefreshToken == "" {
			return nil, errors.New("token expired")
		}
		return &tok, nil
	}
	return &oauth2.Token{AccessToken: raw}, nil
}

// StaticProvider always returns the same token. Useful for tests and for
// callers that already hold a token.
type StaticProvider string

func (s StaticProvider) GitHubOAuthToken(context.Context) (string, error) { return string(s), nil }

// AuthenticatedURL embeds token into an https clone URL using the
// x-access-token convention. Non-https URLs and empty tokens are returned
// unchanged.
func AuthenticatedURL(repoURL, token string) string {
	if token == "" {
		return repoURL
	}
	u, err := url.Parse(repoURL)
	if err != nil || u.Scheme != "https" {
		return repoURL
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String()
}
