package rpcsurface

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/coldvault/archived/internal/account"
	"github.com/coldvault/archived/internal/archiveerr"
	"github.com/coldvault/archived/internal/mailbox"
)

// envelope is the JSON shape of every response: a success wraps the
// payload under "data", a failure under "error".
type envelope map[string]any

func ok(c echo.Context, payload any) error {
	return c.JSON(http.StatusOK, envelope{"data": payload})
}

func created(c echo.Context, payload any) error {
	return c.JSON(http.StatusCreated, envelope{"data": payload})
}

// fail translates err into an HTTP status and a stable error code. An
// ArchiveError's Kind becomes the code directly; anything else is an
// opaque internal_error so handler plumbing never leaks raw Go error
// text to the shell.
func fail(c echo.Context, err error) error {
	if errors.Is(err, account.ErrNotFound) {
		return notFound(c, "account not found")
	}
	if errors.Is(err, mailbox.ErrNotFound) {
		return notFound(c, "mailbox not found")
	}
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(c, "not found")
	}

	status, code, message := http.StatusInternalServerError, "internal_error", "an internal error occurred"

	if ae, isArchiveErr := archiveerr.AsArchiveError(err); isArchiveErr {
		code = string(ae.Kind)
		message = archiveerr.Translate(ae.Kind)
		status = statusForKind(ae.Kind)
	}

	return c.JSON(status, envelope{"error": map[string]string{
		"code":    code,
		"message": message,
	}})
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, envelope{"error": map[string]string{
		"code":    "bad_request",
		"message": message,
	}})
}

func notFound(c echo.Context, message string) error {
	return c.JSON(http.StatusNotFound, envelope{"error": map[string]string{
		"code":    "not_found",
		"message": message,
	}})
}

func statusForKind(k archiveerr.Kind) int {
	switch k {
	case archiveerr.KindMissingSecret, archiveerr.KindAuthenticationFailed, archiveerr.KindAuthorizationDenied:
		return http.StatusUnauthorized
	case archiveerr.KindMalformedMime, archiveerr.KindTooLarge:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
