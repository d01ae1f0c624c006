// Package gcreds loads stored Google OAuth tokens for the Gmail and Calendar clients.
package gcreds

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/rendis/maildigest/pkg/schema"
)

// Scopes used by the digest.
const (
	ScopeGmailReadonly = "https://www.googleapis.com/auth/gmail.readonly"
	ScopeCalendar      = "https://www.googleapis.com/auth/calendar"
)

// Credentials identify an OAuth client and a previously authorized token. The
// token is read from TokenBase64 when set, otherwise from TokenFile.
type Credentials struct {
	ClientID     string
	ClientSecret string
	TokenFile    string
	TokenBase64  string
	Scopes       []string
}

// TokenSource returns a refreshing token source for c. Authorization itself
// (the consent flow) happens out of band.
func TokenSource(ctx context.Context, c Credentials) (oauth2.TokenSource, error) {
	tok, err := c.loadToken()
	if err != nil {
		return nil, err
	}
	cfg := &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       c.Scopes,
	}
	return cfg.TokenSource(ctx, tok), nil
}

func (c Credentials) loadToken() (*oauth2.Token, error) {
	var raw []byte
	switch {
	case c.TokenBase64 != "":
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(c.TokenBase64))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode base64 token: %s", err.Error()).WithCause(err)
		}
		raw = b
	case c.TokenFile != "":
		b, err := os.ReadFile(c.TokenFile)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeUnauthorized, "read token file %s: %s", c.TokenFile, err.Error()).WithCause(err)
		}
		raw = b
	default:
		return nil, schema.NewError(schema.ErrCodeUnauthorized, "no oauth token configured")
	}

	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse oauth token: %s", err.Error()).WithCause(err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, schema.NewError(schema.ErrCodeUnauthorized, "oauth token has neither access nor refresh token")
	}
	return &tok, nil
}
