package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"golang.org/x/oauth2"
)

// Public CLI client of the upstream; the same pair every install uses.
const (
	ClientID     = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	ClientSecret = "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"

	TokenEndpoint = "https://oauth2.googleapis.com/token"
	AuthEndpoint  = "https://accounts.google.com/o/oauth2/v2/auth"

	// RedirectURL is the loop-back target the external login flow listens on.
	RedirectURL = "http://localhost:51121/oauth-callback"
)

// Scopes requested during login.
var Scopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// OAuthConfig returns the oauth2 configuration shared between the broker and
// the out-of-band login collaborator. The broker itself only ever exchanges
// refresh tokens; the login flow uses the full PKCE authorization code grant.
func OAuthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     ClientID,
		ClientSecret: ClientSecret,
		RedirectURL:  RedirectURL,
		Scopes:       append([]string(nil), Scopes...),
		Endpoint: oauth2.Endpoint{
			AuthURL:  AuthEndpoint,
			TokenURL: TokenEndpoint,
		},
	}
}

// GenerateCodeVerifier returns a new PKCE code verifier.
func GenerateCodeVerifier() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// CodeChallengeS256 derives the S256 challenge for a verifier.
func CodeChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// AuthCodeURL builds the PKCE authorization URL for the login flow.
func AuthCodeURL(state, verifier string) string {
	return OAuthConfig().AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("code_challenge", CodeChallengeS256(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}
