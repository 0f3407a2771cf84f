package auth

import (
	"context"

	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

// TransportAuth returns go-git HTTP credentials for the token p supplies, or
// nil when no token is configured.
func TransportAuth(ctx context.Context, p TokenProvider) (transport.AuthMethod, error) {
	if p == nil {
		return nil, nil
	}
	tok, err := p.GitHubOAuthToken(ctx)
	if err != nil || tok == "" {
		return nil, err
	}
	return &http.BasicAuth{Username: "x-access-token", Password: tok}, nil
}

// RemoteAuthFunc adapts p to the credential callback of the git client.
func RemoteAuthFunc(p TokenProvider) func(context.Context) (transport.AuthMethod, error) {
	return func(ctx context.Context) (transport.AuthMethod, error) {
		return TransportAuth(ctx, p)
	}
}
