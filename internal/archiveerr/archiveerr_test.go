package archiveerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestIs_MatchesWrappedArchiveError(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("imap: connect failed: %w", Wrap(KindTCPConnectFailed, "connect failed", cause))

	if !Is(err, KindTCPConnectFailed) {
		t.Error("Is() = false, want true for a wrapped ArchiveError")
	}
	if Is(err, KindAuthenticationFailed) {
		t.Error("Is() = true for the wrong kind, want false")
	}
}

func TestIs_FalseForPlainError(t *testing.T) {
	if Is(errors.New("boring error"), KindTCPConnectFailed) {
		t.Error("Is() = true for a plain error, want false")
	}
}

func TestAsArchiveError_UnwrapsThroughMultipleLayers(t *testing.T) {
	inner := New(KindTooLarge, "message is too large")
	wrapped := fmt.Errorf("outer: %w", fmt.Errorf("middle: %w", inner))

	ae, ok := AsArchiveError(wrapped)
	if !ok {
		t.Fatal("AsArchiveError() ok = false, want true")
	}
	if ae.Kind != KindTooLarge {
		t.Errorf("Kind = %q, want %q", ae.Kind, KindTooLarge)
	}
}

func TestTranslate_EveryKindHasANonDefaultMessage(t *testing.T) {
	kinds := []Kind{
		KindTCPConnectFailed, KindTLSHandshakeFailed, KindUnsupportedSecurity,
		KindAuthenticationFailed, KindMissingSecret, KindImapProtocolError,
		KindCallbackTimeout, KindAuthorizationDenied, KindTokenExchangeFailed,
		KindSchemaTooNew, KindSchemaCorrupt, KindIntegrityBroken,
		KindCoverageGap, KindMalformedMime, KindTooLarge,
	}
	unknown := Translate(Kind("not_a_real_kind"))
	for _, k := range kinds {
		if msg := Translate(k); msg == unknown {
			t.Errorf("Translate(%q) fell through to the default message", k)
		}
	}
}

func TestArchiveError_ErrorIncludesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindTCPConnectFailed, "could not connect", cause)

	msg := err.Error()
	if msg == "" {
		t.Fatal("Error() returned empty string")
	}
	if !strings.Contains(msg, cause.Error()) {
		t.Errorf("Error() = %q, want it to include the cause %q", msg, cause.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, Unwrap not wired correctly")
	}
}
