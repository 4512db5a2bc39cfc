package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// TransientError marks an error as safe to retry. StatusCode is set when the
// failure came back as an HTTP response.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as transient.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

var transientErrnos = []syscall.Errno{
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.EPIPE,
}

// Substrings of errors that reach us flattened to text by an HTTP client or
// a database driver.
var transientMessages = []string{
	"connection reset by peer",
	"connection refused",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"transport connection broken",
	"unexpected eof",
	"database is locked",
	"sqlite_busy",
}

// IsTransient reports whether a retry of the same call can succeed: an
// explicit *TransientError, a network timeout or reset, a Postgres
// connection, serialization or deadlock failure, or a busy SQLite database.
// Provider rate limits and other HTTP refusals are not transient unless a
// client wrapped them.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return isTransientSQLState(pgErr.Code)
	}

	msg := strings.ToLower(err.Error())
	for _, p := range transientMessages {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// isTransientSQLState covers class 08 (connection exception), serialization
// failures, deadlocks and an administrator-initiated shutdown.
func isTransientSQLState(code string) bool {
	switch code {
	case "40001", "40P01", "57P01":
		return true
	}
	return strings.HasPrefix(code, "08")
}

// IsTransientHTTPStatus reports whether a status means a gateway lost its
// upstream. 429 and 500 are not retried.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 502, 503, 504:
		return true
	default:
		return false
	}
}
