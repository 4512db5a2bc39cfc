package resilience

import (
	"math"
	"time"
)

// DLQEntry represents a conversation whose run aborted on a critical stage
// and can be re-run later.
type DLQEntry struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Error          string    `json:"error"`
	ErrorType      string    `json:"error_type"` // "transient" or "permanent"
	FailedStage    string    `json:"failed_stage,omitempty"`
	RetryCount     int       `json:"retry_count"`
	MaxRetries     int       `json:"max_retries"`
	NextRetryAt    time.Time `json:"next_retry_at"`
	CreatedAt      time.Time `json:"created_at"`
	LastFailedAt   time.Time `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"` // "transient", "permanent", or "" for all
	Limit     int    `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// NextRetryDelay returns the delay before the entry's next attempt: base
// doubled per retry already made, capped at 24h.
func (e *DLQEntry) NextRetryDelay(base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Minute
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(e.RetryCount)))
	if d > 24*time.Hour || d <= 0 {
		d = 24 * time.Hour
	}
	return d
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) {
		return "transient"
	}
	return "permanent"
}
