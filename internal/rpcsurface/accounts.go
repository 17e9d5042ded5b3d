package rpcsurface

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/coldvault/archived/internal/account"
)

// accountResponse is the shell-facing projection of account.Account.
// Secrets never appear here — only the logical auth kind.
type accountResponse struct {
	ID            string    `json:"id"`
	Label         string    `json:"label"`
	EmailAddress  string    `json:"email_address"`
	Host          string    `json:"host"`
	Port          int       `json:"port"`
	Username      string    `json:"username"`
	AuthKind      string    `json:"auth_kind"`
	OAuthProvider string    `json:"oauth_provider,omitempty"`
	Disabled      bool      `json:"disabled"`
	CreatedAt     time.Time `json:"created_at"`
}

func toAccountResponse(a *account.Account) accountResponse {
	return accountResponse{
		ID:            a.ID,
		Label:         a.Label,
		EmailAddress:  a.EmailAddress,
		Host:          a.Host,
		Port:          a.Port,
		Username:      a.Username,
		AuthKind:      string(a.AuthKind),
		OAuthProvider: a.OAuthProvider,
		Disabled:      a.Disabled,
		CreatedAt:     a.CreatedAt,
	}
}

// createAccountRequest is the POST /accounts body. Password is accepted
// here only for AuthKindPassword accounts; OAuth accounts authorize
// separately via the browser flow and never send a secret over this
// endpoint.
type createAccountRequest struct {
	Label         string `json:"label"`
	EmailAddress  string `json:"email_address"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Username      string `json:"username"`
	AuthKind      string `json:"auth_kind"`
	OAuthProvider string `json:"oauth_provider"`
	Password      string `json:"password,omitempty"`
}

// createAccount handles POST /accounts.
func (s *Server) createAccount(c echo.Context) error {
	var req createAccountRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Host == "" || req.Username == "" || req.EmailAddress == "" {
		return badRequest(c, "host, username, and email_address are required")
	}

	acc, err := s.app.Accounts.Create(account.Account{
		Label:         req.Label,
		EmailAddress:  req.EmailAddress,
		Host:          req.Host,
		Port:          req.Port,
		Username:      req.Username,
		AuthKind:      account.AuthKind(req.AuthKind),
		OAuthProvider: req.OAuthProvider,
	})
	if err != nil {
		return fail(c, err)
	}

	if acc.AuthKind != account.AuthKindOAuth2 && req.Password != "" {
		if err := s.app.Credentials.SetPassword(acc.ID, req.Password); err != nil {
			return fail(c, err)
		}
	}

	if _, err := s.app.Events.Append(nil, eventKindAccountCreated, &acc.ID, nil, map[string]any{
		"host": acc.Host, "email_address": acc.EmailAddress,
	}); err != nil {
		s.log.Warn().Err(err).Msg("Failed to append account_created event")
	}

	return created(c, toAccountResponse(acc))
}

// listAccounts handles GET /accounts.
func (s *Server) listAccounts(c echo.Context) error {
	accounts, err := s.app.Accounts.List()
	if err != nil {
		return fail(c, err)
	}
	out := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, toAccountResponse(a))
	}
	return ok(c, out)
}

// authorizeAccount handles POST /accounts/:id/authorize, running the
// interactive OAuth2 PKCE flow for an account configured with
// auth_kind=oauth2.
func (s *Server) authorizeAccount(c echo.Context) error {
	id := c.Param("id")
	acc, err := s.app.Accounts.Get(id)
	if err != nil {
		return fail(c, err)
	}

	var provider oauthProvider
	switch acc.OAuthProvider {
	case "google", "":
		provider = s.googleProvider()
	default:
		return badRequest(c, "unsupported oauth provider: "+acc.OAuthProvider)
	}

	if err := s.app.OAuth.AuthorizeAccount(c.Request().Context(), acc.ID, provider); err != nil {
		return fail(c, err)
	}

	return ok(c, map[string]string{"status": "authorized"})
}

// disableAccount handles POST /accounts/:id/disable.
func (s *Server) disableAccount(c echo.Context) error {
	id := c.Param("id")
	if err := s.app.Accounts.Disable(id); err != nil {
		return fail(c, err)
	}
	if _, err := s.app.Events.Append(nil, eventKindAccountRemoved, &id, nil, nil); err != nil {
		s.log.Warn().Err(err).Msg("Failed to append account_removed event")
	}
	return c.NoContent(http.StatusNoContent)
}

// triggerSync handles POST /accounts/:id/sync: a manual sync request
// coalesces with an in-progress sync for the same account rather than
// queuing a second one.
func (s *Server) triggerSync(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.app.Accounts.Get(id); err != nil {
		return fail(c, err)
	}
	s.app.Scheduler.TriggerSync(id)
	return ok(c, map[string]string{"status": "triggered"})
}
