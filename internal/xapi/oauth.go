package xapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"golang.org/x/oauth2"

	"github.com/bort-os/bort/internal/credentials"
)

// DefaultTokenURL is the OAuth 2.0 token endpoint.
const DefaultTokenURL = "https://api.x.com/2/oauth2/token"

// OAuthRefresher exchanges the stored refresh token for a new access
// token and writes the result back to the credential store.
type OAuthRefresher struct {
	Store    credentials.Store
	TokenURL string
	// HTTPClient, when set, is used for the token request.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Refresh implements [Refresher].
func (r *OAuthRefresher) Refresh(ctx context.Context) (string, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clientID, err := credentials.Require(ctx, r.Store, credentials.ClientID)
	if err != nil {
		return "", err
	}
	refresh, err := credentials.Require(ctx, r.Store, credentials.RefreshToken)
	if err != nil {
		return "", err
	}
	secret, err := r.Store.Get(ctx, credentials.ClientSecret)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", credentials.ClientSecret, err)
	}

	tokenURL := r.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	style := oauth2.AuthStyleInHeader
	if secret == "" {
		// Public clients identify themselves in the form body.
		style = oauth2.AuthStyleInParams
	}
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: secret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: style},
	}
	if r.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.HTTPClient)
	}

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh}).Token()
	if err != nil {
		return "", &RefreshError{Status: refreshStatus(err)}
	}
	if tok.AccessToken == "" {
		return "", &RefreshError{}
	}

	if err := r.Store.Set(ctx, credentials.AccessToken, tok.AccessToken); err != nil {
		return "", fmt.Errorf("store refreshed access token: %w", err)
	}
	if tok.RefreshToken != "" && tok.RefreshToken != refresh {
		if err := r.Store.Set(ctx, credentials.RefreshToken, tok.RefreshToken); err != nil {
			return "", fmt.Errorf("store rotated refresh token: %w", err)
		}
	}
	logger.Info("access token refreshed", "refresh_token_rotated", tok.RefreshToken != "" && tok.RefreshToken != refresh)
	return tok.AccessToken, nil
}

// RefreshError reports a failed token exchange by HTTP status only.
type RefreshError struct {
	Status int
}

func (e *RefreshError) Error() string {
	if e.Status == 0 {
		return "token refresh failed"
	}
	return "token refresh failed: status " + strconv.Itoa(e.Status)
}

func refreshStatus(err error) int {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return re.Response.StatusCode
	}
	return 0
}

// refreshErrorTag renders a refresh error for logs without any
// payload from the token endpoint.
func refreshErrorTag(err error) string {
	var re *RefreshError
	if errors.As(err, &re) {
		return re.Error()
	}
	if errors.Is(err, credentials.ErrMissing) {
		return err.Error()
	}
	return "token refresh failed"
}
