package pipeline

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/postconvo/internal/resilience"
)

// StageVoice drops the user's cached voice renderings.
const StageVoice = "voice_invalidation"

// BreakerCache names the breaker guarding the voice cache.
const BreakerCache = "cache"

// VoiceInvalidator removes a user's cached voice entries.
type VoiceInvalidator interface {
	Invalidate(ctx context.Context, userID string) (int, error)
}

// VoiceOutput counts removed cache keys.
type VoiceOutput struct {
	KeysInvalidated int  `json:"keys_invalidated"`
	Skipped         bool `json:"skipped,omitempty"`
}

// VoiceInvalidation clears the voice cache so the next reply reflects what
// was just learned.
type VoiceInvalidation struct {
	cache   VoiceInvalidator
	breaker *resilience.CircuitBreaker
}

// NewVoiceInvalidation creates the voice invalidation stage. A nil cache
// makes the stage a no-op.
func NewVoiceInvalidation(cache VoiceInvalidator, breaker *resilience.CircuitBreaker) *VoiceInvalidation {
	return &VoiceInvalidation{cache: cache, breaker: breaker}
}

// Run implements Stage.
func (s *VoiceInvalidation) Run(ctx context.Context, _ *RunContext, userID string) (VoiceOutput, error) {
	if s.cache == nil {
		return VoiceOutput{Skipped: true}, nil
	}
	n, err := resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) (int, error) {
		return s.cache.Invalidate(ctx, userID)
	})
	if err != nil {
		return VoiceOutput{}, eris.Wrapf(err, "voice: invalidate user %s", userID)
	}
	return VoiceOutput{KeysInvalidated: n}, nil
}
