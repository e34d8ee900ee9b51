package hosting

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// AppJWTTTL is the lifetime of the app-level JWT used to mint installation
// tokens. GitHub caps it at ten minutes.
const AppJWTTTL = 9 * time.Minute

// AppConfig identifies a GitHub App installation.
type AppConfig struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPEM  []byte
}

// AppTokenSource mints GitHub App installation tokens and satisfies
// oauth2.TokenSource, so a GitHubClient can authenticate as an App instead
// of a personal access token. Tokens are cached until shortly before expiry.
type AppTokenSource struct {
	cfg AppConfig
	key *rsa.PrivateKey

	mu      sync.Mutex
	current *oauth2.Token
}

// NewAppTokenSource parses the App's private key and returns a token source.
func NewAppTokenSource(cfg AppConfig) (*AppTokenSource, error) {
	if cfg.AppID == 0 || cfg.InstallationID == 0 {
		return nil, fmt.Errorf("app ID and installation ID are required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse App private key: %w", err)
	}
	return &AppTokenSource{cfg: cfg, key: key}, nil
}

// Token returns a valid installation token, minting a new one when the
// cached token is absent or near expiry.
func (s *AppTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && time.Until(s.current.Expiry) > time.Minute {
		return s.current, nil
	}

	appJWT, err := s.signAppJWT()
	if err != nil {
		return nil, err
	}

	client := github.NewClient(&http.Client{
		Transport: &bearerTransport{token: appJWT},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	inst, _, err := client.Apps.CreateInstallationToken(ctx, s.cfg.InstallationID, nil)
	if err != nil {
		return nil, fmt.Errorf("create installation token: %w", err)
	}

	s.current = &oauth2.Token{
		AccessToken: inst.GetToken(),
		Expiry:      inst.GetExpiresAt().Time,
	}
	return s.current, nil
}

// signAppJWT signs the short-lived app-level JWT with the RS256 key.
func (s *AppTokenSource) signAppJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    fmt.Sprintf("%d", s.cfg.AppID),
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(AppJWTTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign App JWT: %w", err)
	}
	return signed, nil
}

type bearerTransport struct {
	token string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return http.DefaultTransport.RoundTrip(clone)
}

var _ oauth2.TokenSource = (*AppTokenSource)(nil)
