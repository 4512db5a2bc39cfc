package resilience

import (
	"errors"
	"syscall"
	"testing"
	"time"
)

func TestDLQEntry_CanRetry(t *testing.T) {
	e := &DLQEntry{ConversationID: "c1", RetryCount: 2, MaxRetries: 3}
	if !e.CanRetry() {
		t.Error("expected entry below max retries to be retryable")
	}
	e.RetryCount = 3
	if e.CanRetry() {
		t.Error("expected entry at max retries to be exhausted")
	}
}

func TestDLQEntry_NextRetryDelay(t *testing.T) {
	e := &DLQEntry{}
	if d := e.NextRetryDelay(time.Minute); d != time.Minute {
		t.Errorf("expected 1m for first retry, got %v", d)
	}
	e.RetryCount = 3
	if d := e.NextRetryDelay(time.Minute); d != 8*time.Minute {
		t.Errorf("expected 8m after 3 retries, got %v", d)
	}
	e.RetryCount = 40
	if d := e.NextRetryDelay(time.Minute); d != 24*time.Hour {
		t.Errorf("expected cap at 24h, got %v", d)
	}
	e.RetryCount = 0
	if d := e.NextRetryDelay(0); d != time.Minute {
		t.Errorf("expected default base of 1m, got %v", d)
	}
}

func TestClassifyError(t *testing.T) {
	if got := ClassifyError(syscall.ECONNREFUSED); got != "transient" {
		t.Errorf("expected transient, got %s", got)
	}
	if got := ClassifyError(errors.New("conversation not found")); got != "permanent" {
		t.Errorf("expected permanent, got %s", got)
	}
}
