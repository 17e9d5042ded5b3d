package oauth2

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pkg/browser"
	"github.com/rs/zerolog"
	xoauth2 "golang.org/x/oauth2"

	"github.com/coldvault/archived/internal/account"
	"github.com/coldvault/archived/internal/archiveerr"
	"github.com/coldvault/archived/internal/credentials"
	"github.com/coldvault/archived/internal/logging"
)

// codeVerifierBytes is the raw entropy behind the PKCE code verifier
// before base64url encoding (spec calls for 43 octets of verifier;
// RFC 7636 measures the encoded string, so 32 raw bytes yields the
// required length).
const codeVerifierBytes = 32

// callbackTimeout bounds how long the local redirect listener waits
// for the provider to call back.
const callbackTimeout = 300 * time.Second

// accessTokenRefreshMargin is how far ahead of expiry a cached access
// token is considered stale and proactively refreshed.
const accessTokenRefreshMargin = 2 * time.Minute

// Provider describes one OAuth2 authorization server profile. Google
// is the baseline; additional providers plug in by constructing
// another Provider value.
type Provider struct {
	Name         string
	AuthURL      string
	TokenURL     string
	Scopes       []string
	ClientID     string
	ClientSecret string
}

// GoogleProvider returns the baseline Gmail XOAUTH2 profile using the
// compiled-in or shim-supplied client credentials.
func GoogleProvider() Provider {
	return Provider{
		Name:         "google",
		AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:     "https://oauth2.googleapis.com/token",
		Scopes:       []string{"https://mail.google.com/"},
		ClientID:     GoogleClientID,
		ClientSecret: GoogleClientSecret,
	}
}

// Manager implements the authorization-code-with-PKCE flow (C9): it
// mints the authorization URL, runs a localhost callback listener,
// exchanges the code for tokens, persists the refresh token through
// the secret store bridge, and mints fresh access tokens (refreshing
// as needed) for each IMAP login.
type Manager struct {
	creds *credentials.Store
	log   zerolog.Logger
}

// NewManager builds a Manager that persists tokens through creds.
func NewManager(creds *credentials.Store) *Manager {
	return &Manager{creds: creds, log: logging.WithComponent("oauth2")}
}

// AuthorizeAccount runs the full interactive PKCE flow for one
// account: opens the system browser, waits for the redirect, exchanges
// the code, and stores the resulting refresh token. Call once per
// account during account setup or re-authorization.
func (m *Manager) AuthorizeAccount(ctx context.Context, accountID string, p Provider) error {
	verifier, challenge, err := generatePKCE()
	if err != nil {
		return fmt.Errorf("oauth2: failed to generate pkce pair: %w", err)
	}

	state, err := randomURLSafe(16)
	if err != nil {
		return fmt.Errorf("oauth2: failed to generate state: %w", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("oauth2: failed to bind callback listener: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	redirectURL := fmt.Sprintf("http://127.0.0.1:%d/callback", port)

	cfg := xoauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Scopes:       p.Scopes,
		RedirectURL:  redirectURL,
		Endpoint: xoauth2.Endpoint{
			AuthURL:  p.AuthURL,
			TokenURL: p.TokenURL,
		},
	}

	authURL := cfg.AuthCodeURL(state,
		xoauth2.AccessTypeOffline,
		xoauth2.SetAuthURLParam("code_challenge", challenge),
		xoauth2.SetAuthURLParam("code_challenge_method", "S256"),
		xoauth2.SetAuthURLParam("prompt", "consent"),
	)

	resultCh := make(chan callbackResult, 1)
	srv := &http.Server{Handler: newCallbackHandler(state, resultCh)}
	go func() {
		_ = srv.Serve(listener)
	}()
	defer srv.Close()

	if err := browser.OpenURL(authURL); err != nil {
		m.log.Warn().Err(err).Str("url", authURL).Msg("Failed to open system browser, URL must be opened manually")
	}

	var result callbackResult
	select {
	case result = <-resultCh:
	case <-time.After(callbackTimeout):
		return archiveerr.New(archiveerr.KindCallbackTimeout, "timed out waiting for the OAuth redirect")
	case <-ctx.Done():
		return ctx.Err()
	}

	if result.err != nil {
		return archiveerr.Wrap(archiveerr.KindAuthorizationDenied, "authorization was not granted", result.err)
	}

	token, err := cfg.Exchange(ctx, result.code, xoauth2.SetAuthURLParam("code_verifier", verifier))
	if err != nil {
		return archiveerr.Wrap(archiveerr.KindTokenExchangeFailed, "failed to exchange authorization code", err)
	}

	if token.RefreshToken == "" {
		return archiveerr.New(archiveerr.KindTokenExchangeFailed, "provider did not return a refresh token")
	}

	if err := m.creds.SetOAuthRefreshToken(accountID, token.RefreshToken); err != nil {
		return fmt.Errorf("oauth2: failed to persist refresh token: %w", err)
	}
	if err := m.creds.SetOAuthAccessToken(accountID, token.AccessToken); err != nil {
		return fmt.Errorf("oauth2: failed to persist access token: %w", err)
	}

	return nil
}

// accountExpiryStore is the subset of account.Store the manager needs
// to track access-token freshness without importing the whole package
// into every caller's wiring.
type accountExpiryStore interface {
	SetOAuthAccessTokenExpiry(id string, at time.Time) error
	GetOAuthAccessTokenExpiry(id string) (*time.Time, error)
}

var _ accountExpiryStore = (*account.Store)(nil)

// AccessToken returns a currently-valid access token for accountID,
// refreshing via the stored refresh token if the cached one is
// missing or near expiry. Refresh failures surface as MissingSecret so
// the account is flagged for re-authorization rather than retried
// forever against an expired token.
func (m *Manager) AccessToken(ctx context.Context, accounts accountExpiryStore, accountID string, p Provider) (string, error) {
	expiresAt, err := accounts.GetOAuthAccessTokenExpiry(accountID)
	if err != nil {
		return "", err
	}

	if expiresAt != nil && time.Until(*expiresAt) > accessTokenRefreshMargin {
		if cached, err := m.creds.GetOAuthAccessToken(accountID); err == nil && cached != "" {
			return cached, nil
		}
	}

	refreshToken, err := m.creds.GetOAuthRefreshToken(accountID)
	if err != nil {
		if errors.Is(err, credentials.ErrCredentialNotFound) {
			return "", archiveerr.New(archiveerr.KindMissingSecret, "no OAuth refresh token stored for this account")
		}
		return "", err
	}

	cfg := xoauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Endpoint:     xoauth2.Endpoint{AuthURL: p.AuthURL, TokenURL: p.TokenURL},
	}
	src := cfg.TokenSource(ctx, &xoauth2.Token{RefreshToken: refreshToken})

	token, err := src.Token()
	if err != nil {
		return "", archiveerr.Wrap(archiveerr.KindMissingSecret, "OAuth refresh failed, re-authorization required", err)
	}

	if err := m.creds.SetOAuthAccessToken(accountID, token.AccessToken); err != nil {
		m.log.Warn().Err(err).Msg("Failed to cache refreshed access token")
	}
	if !token.Expiry.IsZero() {
		if err := accounts.SetOAuthAccessTokenExpiry(accountID, token.Expiry); err != nil {
			m.log.Warn().Err(err).Msg("Failed to persist access token expiry")
		}
	}

	return token.AccessToken, nil
}

// XOAUTH2Payload formats the SASL initial response carrying a bearer
// token in place of a password, per spec §4.9 step 5.
func XOAUTH2Payload(username, accessToken string) string {
	return "user=" + username + "\x01auth=Bearer " + accessToken + "\x01\x01"
}

type callbackResult struct {
	code string
	err  error
}

// newCallbackHandler returns an http.Handler that serves /callback,
// validates state, and delivers the first request's result on ch;
// results of later requests are dropped.
func newCallbackHandler(expectedState string, ch chan<- callbackResult) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		if errMsg := q.Get("error"); errMsg != "" {
			select {
			case ch <- callbackResult{err: errors.New(errMsg)}:
			default:
			}
			fmt.Fprintln(w, "Authorization was denied. You may close this window.")
			return
		}

		if q.Get("state") != expectedState {
			select {
			case ch <- callbackResult{err: errors.New("state mismatch")}:
			default:
			}
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}

		code := q.Get("code")
		if code == "" {
			select {
			case ch <- callbackResult{err: errors.New("no authorization code in callback")}:
			default:
			}
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}

		select {
		case ch <- callbackResult{code: code}:
		default:
		}
		fmt.Fprintln(w, "Authorization complete. You may close this window.")
	})
	return mux
}

// generatePKCE returns a verifier/challenge pair per RFC 7636: the
// verifier is a random URL-safe string, and the challenge is the
// base64url(SHA-256(verifier)) sent in the authorization request.
func generatePKCE() (verifier, challenge string, err error) {
	verifier, err = randomURLSafe(codeVerifierBytes)
	if err != nil {
		return "", "", err
	}
	challenge = s256Challenge(verifier)
	return verifier, challenge, nil
}

func randomURLSafe(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func s256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
