// Package auth creates GitHub App installation access tokens which can be
// used as the password for https git transport.
package auth

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/utilitywarehouse/index-sync/internal/lock"
)

const defaultGithubAPI = "https://api.github.com"

// tokens are renewed if they expire within this window
const tokenExpiryLeeway = 10 * time.Minute

type GithubAppTokenReqPermissions struct {
	Repositories []string          `json:"repositories"`
	Permissions  map[string]string `json:"permissions"`
}

type GithubAppToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// GithubApp holds the details required to request installation tokens
type GithubApp struct {
	// The application id or the client ID of the Github app
	AppID string
	// The installation id of the app (in the organization).
	InstallationID string
	// path to the github app private key
	PrivateKeyPath string

	// APIURL defaults to https://api.github.com
	APIURL     string
	HTTPClient *http.Client
}

func GithubAppInstallationToken(ctx context.Context, app GithubApp, reqPerms GithubAppTokenReqPermissions) (*GithubAppToken, error) {
	privatePEMData, err := os.ReadFile(app.PrivateKeyPath)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(privatePEMData)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return nil, fmt.Errorf("failed to decode PEM block containing private key")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: privateKey}, nil)
	if err != nil {
		return nil, err
	}

	cl := jwt.Claims{
		// GitHub App's ID or client ID
		Issuer: app.AppID,
		// issued at time, 60 seconds in the past to allow for clock drift
		IssuedAt: jwt.NewNumericDate(time.Now().Add(-60 * time.Second)),
		// JWT expiration time (10 minute maximum)
		Expiry: jwt.NewNumericDate(time.Now().Add(10 * time.Minute)),
	}

	jwtToken, err := jwt.Signed(signer).Claims(cl).Serialize()
	if err != nil {
		return nil, err
	}

	reqBody, err := json.Marshal(reqPerms)
	if err != nil {
		return nil, err
	}

	apiURL := app.APIURL
	if apiURL == "" {
		apiURL = defaultGithubAPI
	}
	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", apiURL, app.InstallationID)

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+jwtToken)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	client := app.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		errMessage, err := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("GitHub app token response status %d, body:%q  err:%w", resp.StatusCode, errMessage, err)
	}

	var tokenResponse GithubAppToken
	if err := json.NewDecoder(resp.Body).Decode(&tokenResponse); err != nil {
		return nil, err
	}

	return &tokenResponse, nil
}

// AppTokenSource returns read-only installation tokens for a single
// repository and re-uses them until they are about to expire.
// An AppTokenSource is safe for concurrent use by multiple goroutines.
type AppTokenSource struct {
	app  GithubApp
	repo string

	lock      lock.Mutex
	token     string
	expiresAt time.Time
}

// NewAppTokenSource returns token source for given repository name (without .git suffix)
func NewAppTokenSource(app GithubApp, repo string) *AppTokenSource {
	return &AppTokenSource{app: app, repo: repo}
}

// Token returns cached token if its valid for next 10 min or requests new one
func (s *AppTokenSource) Token(ctx context.Context) (string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.token != "" && s.expiresAt.After(time.Now().UTC().Add(tokenExpiryLeeway)) {
		return s.token, nil
	}

	permissions := GithubAppTokenReqPermissions{
		Repositories: []string{s.repo},
		Permissions:  map[string]string{"contents": "read"},
	}

	token, err := GithubAppInstallationToken(ctx, s.app, permissions)
	if err != nil {
		return "", err
	}

	s.token = token.Token
	s.expiresAt = token.ExpiresAt

	return s.token, nil
}
