package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
)

// googleUserinfoURL serves the authenticated user's profile.
const googleUserinfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// Profile is the subset of the Google userinfo response the service
// keeps.
type Profile struct {
	Sub     string `json:"id"`
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// GoogleAuthenticator exchanges OAuth authorization codes for Google
// profiles.
type GoogleAuthenticator struct {
	clientID     string
	clientSecret string
	userinfoURL  string
}

// NewGoogleAuthenticator builds an authenticator with the deployment's
// OAuth client credentials.
func NewGoogleAuthenticator(clientID, clientSecret string) *GoogleAuthenticator {
	return &GoogleAuthenticator{
		clientID:     clientID,
		clientSecret: clientSecret,
		userinfoURL:  googleUserinfoURL,
	}
}

// Exchange trades an authorization code for the user's profile. The
// redirect URI must match the one the client used to obtain the code.
func (g *GoogleAuthenticator) Exchange(ctx context.Context, code, redirectURI string) (*Profile, error) {
	conf := &oauth2.Config{
		ClientID:     g.clientID,
		ClientSecret: g.clientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	}

	token, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}

	client := conf.Client(ctx, token)
	resp, err := client.Get(g.userinfoURL)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("userinfo request returned %d: %s", resp.StatusCode, body)
	}

	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo: %w", err)
	}
	if profile.Email == "" {
		return nil, fmt.Errorf("userinfo response carries no email")
	}
	return &profile, nil
}
