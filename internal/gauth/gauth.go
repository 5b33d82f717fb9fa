// Package gauth obtains Google Cloud access tokens from application
// default credentials.
package gauth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// CloudPlatformScope grants access to Vertex AI.
const CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// ErrNoToken indicates the token source returned an empty token.
var ErrNoToken = errors.New("gauth: empty access token")

// DefaultTokenSource returns a cached token source backed by application
// default credentials (gcloud auth application-default login, or the
// metadata server on Cloud Run).
func DefaultTokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	ts, err := google.DefaultTokenSource(ctx, CloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("gauth: default credentials: %w", err)
	}
	return oauth2.ReuseTokenSource(nil, ts), nil
}

// Bearer returns a current access token from ts.
func Bearer(ts oauth2.TokenSource) (string, error) {
	tok, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("gauth: token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", ErrNoToken
	}
	return tok.AccessToken, nil
}
