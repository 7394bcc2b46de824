package gcal

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// calendarScope limits the grant to calendars this app created — the
// sync engine never touches the user's primary calendar.
const calendarScope = "https://www.googleapis.com/auth/calendar.app.created"

// Authenticator exchanges stored OAuth2 credentials for usable tokens.
// One instance is shared by the whole process; it holds no per-user state.
type Authenticator struct {
	cfg *oauth2.Config
}

// NewAuthenticator creates an Authenticator for the registered OAuth2
// application.
func NewAuthenticator(clientID, clientSecret, redirectURL string) *Authenticator {
	return &Authenticator{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{calendarScope},
			Endpoint:     google.Endpoint,
		},
	}
}

// AccessToken exchanges a long-lived refresh token for a short-lived
// access token. Failure means the user's grant was revoked or expired;
// callers skip the user for the run.
func (a *Authenticator) AccessToken(ctx context.Context, refreshToken string) (string, error) {
	src := a.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("gcal: refreshing access token: %w", err)
	}

	if tok.AccessToken == "" {
		return "", fmt.Errorf("gcal: token refresh returned empty access token")
	}

	return tok.AccessToken, nil
}

// ExchangeCode trades an authorization code from the consent redirect
// for a refresh token. An empty refresh token (e.g. the user had already
// granted access without prompt=consent) is an error — the link flow
// must be restarted.
func (a *Authenticator) ExchangeCode(ctx context.Context, code string) (string, error) {
	tok, err := a.cfg.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("gcal: exchanging auth code: %w", err)
	}

	if tok.RefreshToken == "" {
		return "", fmt.Errorf("gcal: auth code exchange returned no refresh token")
	}

	return tok.RefreshToken, nil
}

// AuthCodeURL builds the consent URL the bot layer hands to the user.
// offline access and forced consent guarantee a refresh token comes back.
func (a *Authenticator) AuthCodeURL(state string) string {
	return a.cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)
}
