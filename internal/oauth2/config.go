// Package oauth2 implements the archive's OAuth token manager (C9):
// compiled-in or shim-supplied client credentials, an authorization-
// code-with-PKCE flow against a pluggable provider, and refresh /
// XOAUTH2 minting for the IMAP client.
package oauth2

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X 'github.com/coldvault/archived/internal/oauth2.GoogleClientID=xxx'"
//
// If ldflags are not set, credentials are loaded from the
// archived-creds shim binary, so a packaged build never needs the
// client secret baked into the main executable.
var (
	// GoogleClientID is the OAuth2 client ID for Google/Gmail
	GoogleClientID string

	// GoogleClientSecret is the OAuth2 client secret for Google/Gmail
	GoogleClientSecret string

	// MicrosoftClientID is the OAuth2 client ID for Microsoft/Outlook
	MicrosoftClientID string
)

func init() {
	if GoogleClientID != "" {
		return
	}
	loadFromShim()
}

func loadFromShim() {
	// Search for the shim binary in known locations
	paths := []string{
		"/app/lib/archived/archived-creds", // Flatpak
	}

	// Also check next to the main binary
	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exe), "archived-creds"))
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		out, err := exec.Command(p).Output()
		if err != nil {
			continue
		}
		var creds map[string]string
		if err := json.Unmarshal(out, &creds); err != nil {
			continue
		}
		GoogleClientID = creds["google_client_id"]
		GoogleClientSecret = creds["google_client_secret"]
		MicrosoftClientID = creds["microsoft_client_id"]
		return
	}
}

// IsGoogleConfigured returns true if Google OAuth credentials are available
func IsGoogleConfigured() bool {
	return GoogleClientID != ""
}

// IsMicrosoftConfigured returns true if Microsoft OAuth credentials are available
func IsMicrosoftConfigured() bool {
	return MicrosoftClientID != ""
}

// IsProviderConfigured returns true if the specified provider has OAuth credentials
func IsProviderConfigured(provider string) bool {
	switch provider {
	case "google":
		return IsGoogleConfigured()
	case "microsoft":
		return IsMicrosoftConfigured()
	default:
		return false
	}
}
