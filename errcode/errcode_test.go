package errcode

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

var errSentinel = New(CodePairingCodeMismatch, "code mismatch")

func TestWrapPreservesCauseAndCode(t *testing.T) {
	err := Wrap(CodeTransportSend, "send discovery request", io.ErrClosedPipe)
	if !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if CodeOf(err) != CodeTransportSend {
		t.Fatalf("unexpected code %q", CodeOf(err))
	}
	if !IsTransport(err) || IsPairing(err) {
		t.Fatalf("unexpected domain classification for %v", err)
	}
}

func TestWrapNilIsNil(t *testing.T) {
	if Wrap(CodeTransportSend, "noop", nil) != nil {
		t.Fatalf("expected nil")
	}
}

func TestSentinelMatchesThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("verify: %w", errSentinel)
	if !errors.Is(err, New(CodePairingCodeMismatch, "other text")) {
		t.Fatalf("expected code-based match")
	}
	if errors.Is(err, New(CodePairingBusy, "busy")) {
		t.Fatalf("unexpected match across codes")
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if CodeOf(errors.New("plain")) != CodeUnknown {
		t.Fatalf("expected unknown code")
	}
	if CodeOf(nil) != "" {
		t.Fatalf("expected empty code for nil")
	}
}
