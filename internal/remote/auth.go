package remote

import (
	"fmt"

	"golang.org/x/oauth2"
)

// oauthTokenSource adapts a golang.org/x/oauth2 TokenSource to the client's
// TokenSource interface.
type oauthTokenSource struct {
	src oauth2.TokenSource
}

func (s oauthTokenSource) Token() (string, error) {
	tok, err := s.src.Token()
	if err != nil {
		return "", fmt.Errorf("remote: refreshing token: %w", err)
	}

	return tok.AccessToken, nil
}

// OAuthTokenSource wraps an oauth2.TokenSource (refreshing or otherwise) for
// use with the client.
func OAuthTokenSource(src oauth2.TokenSource) TokenSource {
	return oauthTokenSource{src: src}
}

// StaticToken returns a TokenSource for a fixed API token, the common case
// for the hosted authority's per-account keys.
func StaticToken(token string) TokenSource {
	return OAuthTokenSource(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
}
