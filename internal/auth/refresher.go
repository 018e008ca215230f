package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ErrInvalidGrant marks a refresh token the upstream has permanently
// rejected; the owning account must be removed from the pool.
var ErrInvalidGrant = errors.New("oauth: invalid_grant")

// refreshTimeout bounds a single token exchange.
const refreshTimeout = 30 * time.Second

// TokenResult is the outcome of a successful refresh-token exchange.
type TokenResult struct {
	AccessToken string
	// Expires is the absolute expiry in unix milliseconds.
	Expires int64
	// RefreshToken is set when the upstream rotated the token.
	RefreshToken string
}

// Refresher exchanges refresh tokens for access tokens. It never retries
// internally; transient failures surface to the caller.
type Refresher struct {
	client *http.Client
}

// NewRefresher creates a refresher using the given HTTP client.
func NewRefresher(client *http.Client) *Refresher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Refresher{client: client}
}

// Refresh posts a grant_type=refresh_token exchange to the OAuth token
// endpoint. A response body carrying error="invalid_grant" yields
// ErrInvalidGrant regardless of status code.
func (r *Refresher) Refresh(ctx context.Context, refreshToken string) (TokenResult, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return TokenResult{}, fmt.Errorf("oauth: missing refresh token")
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	form := url.Values{}
	form.Set("client_id", ClientID)
	form.Set("client_secret", ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return TokenResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return TokenResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return TokenResult{}, err
	}

	if gjson.GetBytes(body, "error").String() == "invalid_grant" {
		return TokenResult{}, fmt.Errorf("%w: %s", ErrInvalidGrant, gjson.GetBytes(body, "error_description").String())
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return TokenResult{}, fmt.Errorf("oauth: token endpoint status %d: %s", resp.StatusCode, string(body))
	}

	accessToken := gjson.GetBytes(body, "access_token").String()
	if accessToken == "" {
		return TokenResult{}, fmt.Errorf("oauth: token endpoint returned no access token")
	}
	expiresIn := gjson.GetBytes(body, "expires_in").Int()

	return TokenResult{
		AccessToken:  accessToken,
		Expires:      time.Now().UnixMilli() + expiresIn*1000,
		RefreshToken: gjson.GetBytes(body, "refresh_token").String(),
	}, nil
}
