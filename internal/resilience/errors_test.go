package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsTransient_ExplicitTransientError(t *testing.T) {
	err := NewTransientError(errors.New("upstream unavailable"), 503)
	if !IsTransient(err) {
		t.Error("expected TransientError to be transient")
	}
}

func TestIsTransient_WrappedTransientError(t *testing.T) {
	inner := NewTransientError(errors.New("gateway timeout"), 504)
	wrapped := fmt.Errorf("graph call failed: %w", inner)
	if !IsTransient(wrapped) {
		t.Error("expected wrapped TransientError to be transient")
	}
}

func TestIsTransient_NilError(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
}

func TestIsTransient_RegularError(t *testing.T) {
	if IsTransient(errors.New("invalid input: missing field")) {
		t.Error("regular error should not be transient")
	}
}

func TestIsTransient_RateLimitIsNotTransient(t *testing.T) {
	err := errors.New(`POST "https://api.anthropic.com/v1/messages": 429 Too Many Requests`)
	if IsTransient(err) {
		t.Error("rate limit responses must not be classified as transient")
	}
}

func TestIsTransient_ConnectionErrors(t *testing.T) {
	for _, errno := range []syscall.Errno{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED, syscall.EPIPE} {
		err := fmt.Errorf("dial tcp: %w", errno)
		if !IsTransient(err) {
			t.Errorf("%v should be transient", errno)
		}
	}
}

func TestIsTransient_NetworkTimeout(t *testing.T) {
	err := &net.DNSError{IsTimeout: true, Err: "timeout"}
	if !IsTransient(err) {
		t.Error("network timeout should be transient")
	}
}

func TestIsTransient_StringPatterns(t *testing.T) {
	patterns := []string{
		"connection reset by peer",
		"broken pipe",
		"TLS handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"read: unexpected EOF",
	}
	for _, p := range patterns {
		if !IsTransient(errors.New(p)) {
			t.Errorf("expected %q to be transient", p)
		}
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to be transient", code)
		}
	}
	for _, code := range []int{200, 400, 401, 404, 408, 409, 422, 429, 500} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected HTTP %d to NOT be transient", code)
		}
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("root cause")
	te := NewTransientError(inner, 503)

	if !errors.Is(te, inner) {
		t.Error("TransientError.Unwrap should return the inner error")
	}
	if te.Error() != "root cause" {
		t.Errorf("expected error message %q, got %q", inner.Error(), te.Error())
	}
}

func TestOpenError(t *testing.T) {
	err := &OpenError{Name: "llm", Remaining: 1500 * time.Millisecond}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Error("OpenError should match ErrCircuitOpen")
	}
	if got := err.Error(); got != `circuit breaker "llm" is open (recovery in 1.5s)` {
		t.Errorf("unexpected message %q", got)
	}
}

func TestIsTransient_PostgresSQLState(t *testing.T) {
	cases := map[string]bool{
		"40001": true,  // serialization_failure
		"40P01": true,  // deadlock_detected
		"08006": true,  // connection_failure
		"57P01": true,  // admin_shutdown
		"23505": false, // unique_violation
		"42P01": false, // undefined_table
	}
	for code, want := range cases {
		err := fmt.Errorf("store: insert thought: %w", &pgconn.PgError{Code: code, Message: "x"})
		if got := IsTransient(err); got != want {
			t.Errorf("sqlstate %s: IsTransient = %v, want %v", code, got, want)
		}
	}
}

func TestIsTransient_SQLiteBusy(t *testing.T) {
	if !IsTransient(errors.New("sqlite: insert thought: database is locked (5) (SQLITE_BUSY)")) {
		t.Error("busy sqlite database should be transient")
	}
}
