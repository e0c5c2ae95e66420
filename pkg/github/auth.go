package github

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Authentication constants.
const (
	maxTokenLength   = 255 // fine-grained tokens run longer than classic 40-char tokens
	minTokenLength   = 40
	maxAppID         = 999999999
	jwtLifetime      = 10 * time.Minute // GitHub App JWTs expire after 10 minutes max
	jwtRefreshMargin = 1 * time.Minute
	filePermReadOnly = 0o400
	filePermOwnerRW  = 0o600
)

// newPersonalTokenClient creates a client authenticated with a personal
// access token. The token falls back to the GITHUB_TOKEN environment
// variable when not set explicitly.
func newPersonalTokenClient(cfg Config, httpClient HTTPDoer) (*Client, error) {
	token := cfg.Token
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}
	if err := validateToken(token); err != nil {
		return nil, err
	}

	cfg.Logger.Info("using personal access token authentication")
	return &Client{
		httpClient:  httpClient,
		logger:      cfg.Logger,
		token:       token,
		maxAttempts: cfg.MaxAttempts,
		isAppAuth:   false,
	}, nil
}

// newAppAuthClient creates a client authenticated as a GitHub App.
func newAppAuthClient(cfg Config, httpClient HTTPDoer) (*Client, error) {
	appID := cfg.AppID
	if appID == "" {
		appID = os.Getenv("GITHUB_APP_ID")
	}
	if err := validateAppID(appID); err != nil {
		return nil, err
	}

	privateKey, err := loadPrivateKey(cfg.AppKeyPath)
	if err != nil {
		return nil, err
	}

	jwtToken, err := generateJWT(appID, privateKey)
	if err != nil {
		return nil, fmt.Errorf("generate JWT: %w", err)
	}
	cfg.Logger.Info("generated JWT for GitHub App authentication")

	return &Client{
		httpClient:  httpClient,
		logger:      cfg.Logger,
		appID:       appID,
		privateKey:  privateKey,
		jwtToken:    jwtToken,
		jwtExpiry:   time.Now().Add(jwtLifetime),
		maxAttempts: cfg.MaxAttempts,
		isAppAuth:   true,
	}, nil
}

// setAuthHeaders applies the appropriate Authorization header for the
// client's auth mode.
func (c *Client) setAuthHeaders(req *http.Request) {
	if c.isAppAuth {
		c.tokenMu.RLock()
		jwtToken := c.jwtToken
		c.tokenMu.RUnlock()
		req.Header.Set("Authorization", "Bearer "+jwtToken)
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
}

// refreshJWTIfNeeded regenerates the App JWT when it is close to expiry.
func (c *Client) refreshJWTIfNeeded() error {
	c.tokenMu.RLock()
	expiry := c.jwtExpiry
	c.tokenMu.RUnlock()
	if time.Until(expiry) > jwtRefreshMargin {
		return nil
	}

	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	// Another request may have refreshed while we waited for the lock.
	if time.Until(c.jwtExpiry) > jwtRefreshMargin {
		return nil
	}
	jwtToken, err := generateJWT(c.appID, c.privateKey)
	if err != nil {
		return err
	}
	c.jwtToken = jwtToken
	c.jwtExpiry = time.Now().Add(jwtLifetime)
	c.logger.Debug("refreshed GitHub App JWT")
	return nil
}

// generateJWT signs a short-lived JWT for GitHub App authentication.
func generateJWT(appID string, privateKey []byte) (string, error) {
	block, _ := pem.Decode(privateKey)
	if block == nil {
		return "", errors.New("failed to parse PEM block containing the private key")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		// Try PKCS8 format if PKCS1 fails
		parsedKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return "", fmt.Errorf("failed to parse private key: %w", err)
		}
		var ok bool
		key, ok = parsedKey.(*rsa.PrivateKey)
		if !ok {
			return "", errors.New("private key is not RSA")
		}
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(jwtLifetime).Unix(),
		"iss": appID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(key)
}

// validateAppID validates the GitHub App ID.
func validateAppID(appID string) error {
	if appID == "" {
		return errors.New("GitHub App ID is required: set AppID or GITHUB_APP_ID")
	}
	appIDNum, err := strconv.Atoi(appID)
	if err != nil {
		return fmt.Errorf("GitHub App ID must be numeric: %w", err)
	}
	if appIDNum <= 0 || appIDNum > maxAppID {
		return errors.New("GitHub App ID out of valid range")
	}
	return nil
}

// loadPrivateKey loads the App private key, preferring key content in
// GITHUB_APP_KEY over a file path.
func loadPrivateKey(keyPath string) ([]byte, error) {
	var privateKey []byte
	if content := os.Getenv("GITHUB_APP_KEY"); content != "" {
		privateKey = []byte(content)
	} else {
		if keyPath == "" {
			keyPath = os.Getenv("GITHUB_APP_KEY_PATH")
		}
		if keyPath == "" {
			return nil, errors.New("GitHub App private key is required: set AppKeyPath, GITHUB_APP_KEY, or GITHUB_APP_KEY_PATH")
		}
		var err error
		privateKey, err = readPrivateKeyFile(keyPath)
		if err != nil {
			return nil, err
		}
	}

	if !bytes.Contains(privateKey, []byte("BEGIN RSA PRIVATE KEY")) &&
		!bytes.Contains(privateKey, []byte("BEGIN PRIVATE KEY")) {
		return nil, errors.New("private key does not appear to be a valid PEM private key")
	}
	return privateKey, nil
}

// readPrivateKeyFile reads a private key file, rejecting relative paths
// and loose permissions.
func readPrivateKeyFile(keyPath string) ([]byte, error) {
	cleanPath := filepath.Clean(keyPath)
	if !filepath.IsAbs(cleanPath) {
		return nil, errors.New("private key path must be absolute")
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("cannot access private key file: %w", err)
	}
	if fileInfo.IsDir() {
		return nil, errors.New("private key path must be a file, not a directory")
	}

	perm := fileInfo.Mode().Perm()
	if perm != filePermOwnerRW && perm != filePermReadOnly {
		return nil, fmt.Errorf("private key file has insecure permissions %04o (must be 0600 or 0400)", perm)
	}

	return os.ReadFile(cleanPath)
}

// validateToken validates a GitHub access token.
func validateToken(token string) error {
	if token == "" {
		return errors.New("no GitHub token found: set Token or GITHUB_TOKEN")
	}
	if len(token) < minTokenLength || len(token) > maxTokenLength {
		return errors.New("invalid token length")
	}
	for _, r := range token {
		if !strings.ContainsRune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_", r) {
			return errors.New("token contains invalid characters")
		}
	}
	return nil
}
