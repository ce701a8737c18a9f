package apilayer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"quizflow-service/internal/apiclient"
	"quizflow-service/internal/domain"
	"quizflow-service/internal/safety"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

var errAuth = errors.New("authentication failed")

// tokenRefreshWindow is how close to expiry a cached token is replaced.
const tokenRefreshWindow = 30 * time.Second

// TokenSource fetches an OAuth2 access token for an integration.
type TokenSource interface {
	Token(ctx context.Context, auth domain.AuthSpec) (*oauth2.Token, error)
}

// ClientCredentials runs the client-credentials grant over HTTP, normally the
// hardened client so that token endpoints get the same dial-time checks.
type ClientCredentials struct {
	HTTP *http.Client
}

func (c ClientCredentials) Token(ctx context.Context, auth domain.AuthSpec) (*oauth2.Token, error) {
	cfg := clientcredentials.Config{
		ClientID:     auth.ClientID,
		ClientSecret: auth.ClientSecret,
		TokenURL:     auth.TokenURL,
		Scopes:       auth.Scopes,
	}
	if c.HTTP != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.HTTP)
	}
	return cfg.Token(ctx)
}

func (l *Layer) authenticate(ctx context.Context, in domain.APIIntegration, call Call, req *apiclient.Request) error {
	auth := in.Auth
	switch auth.Type {
	case "", domain.AuthNone:
		return nil
	case domain.AuthAPIKey:
		if auth.QueryParam != "" {
			return addQueryParam(req, auth.QueryParam, auth.Value)
		}
		name := auth.Header
		if name == "" {
			name = "X-API-Key"
		}
		req.Header.Set(name, auth.Value)
	case domain.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Value)
	case domain.AuthBasic:
		creds := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		req.Header.Set("Authorization", "Basic "+creds)
	case domain.AuthOAuth2:
		tok, err := l.oauthToken(ctx, in, call)
		if err != nil {
			return err
		}
		kind := tok.TokenType
		if kind == "" {
			kind = "Bearer"
		}
		req.Header.Set("Authorization", kind+" "+tok.AccessToken)
	default:
		return fmt.Errorf("%w: unsupported auth type %q", errAuth, auth.Type)
	}
	return nil
}

// oauthToken returns the session's cached token for in, fetching a new one
// when none is cached or the cached one expires within tokenRefreshWindow.
func (l *Layer) oauthToken(ctx context.Context, in domain.APIIntegration, call Call) (domain.OAuthToken, error) {
	if tok, ok := call.State.Tokens[in.ID]; ok && tok.AccessToken != "" {
		if tok.Expiry.IsZero() || l.now().Add(tokenRefreshWindow).Before(tok.Expiry) {
			return tok, nil
		}
	}
	if l.tokens == nil {
		return domain.OAuthToken{}, fmt.Errorf("%w: oauth2 is not configured", errAuth)
	}
	if _, err := l.guard.Check(ctx, in.Auth.TokenURL, call.Creator.Allowlist); err != nil {
		return domain.OAuthToken{}, err
	}

	call.State.APICalls++
	fetched, err := l.tokens.Token(ctx, in.Auth)
	if err != nil {
		var be *safety.BlockedError
		if errors.As(err, &be) {
			return domain.OAuthToken{}, be
		}
		return domain.OAuthToken{}, fmt.Errorf("%w: token request failed", errAuth)
	}
	tok := domain.OAuthToken{
		AccessToken: fetched.AccessToken,
		TokenType:   fetched.Type(),
		Expiry:      fetched.Expiry,
	}
	if call.State.Tokens == nil {
		call.State.Tokens = make(map[string]domain.OAuthToken)
	}
	call.State.Tokens[in.ID] = tok
	return tok, nil
}

func addQueryParam(req *apiclient.Request, name, value string) error {
	u, err := parseTarget(req.URL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set(name, value)
	u.RawQuery = q.Encode()
	req.URL = u.String()
	return nil
}
