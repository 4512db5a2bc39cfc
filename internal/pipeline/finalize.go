package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/postconvo/internal/metrics"
	"github.com/sells-group/postconvo/internal/model"
)

// StageFinalization writes the conversation's terminal status.
const StageFinalization = "finalization"

// StatusWriter is the slice of the conversation repository finalization
// needs.
type StatusWriter interface {
	MarkProcessed(ctx context.Context, id, summary, tone string, entities []string) error
	MarkFailed(ctx context.Context, id string) error
	ForceStatusUpdate(ctx context.Context, id string, status model.ConversationStatus) (bool, error)
}

// FinalizeInput tells finalization how the domain stages ended.
type FinalizeInput struct {
	CriticalFailure bool
}

// FinalizeOutput reports the terminal status written.
type FinalizeOutput struct {
	Status  model.ConversationStatus `json:"status,omitempty"`
	Forced  bool                     `json:"forced"`
	Skipped bool                     `json:"skipped,omitempty"`
}

// DefaultForceTimeout bounds the bare status update that follows a failed
// terminal write.
const DefaultForceTimeout = 5 * time.Second

// Finalization marks the conversation processed or failed. When the normal
// write fails it falls back to a bare status update; when that fails too it
// returns a *FatalError.
type Finalization struct {
	conversations StatusWriter
	forceTimeout  time.Duration
}

// NewFinalization creates the finalization stage.
func NewFinalization(conversations StatusWriter) *Finalization {
	return &Finalization{conversations: conversations, forceTimeout: DefaultForceTimeout}
}

func terminalStatus(in FinalizeInput) model.ConversationStatus {
	if in.CriticalFailure {
		return model.ConversationStatusFailed
	}
	return model.ConversationStatusProcessed
}

// Run implements Stage.
func (s *Finalization) Run(ctx context.Context, rc *RunContext, in FinalizeInput) (FinalizeOutput, error) {
	c := rc.Conversation()
	if c == nil {
		rc.Logger().Info("finalization: no conversation loaded, nothing to write")
		return FinalizeOutput{Skipped: true}, nil
	}

	status := terminalStatus(in)
	var err error
	if in.CriticalFailure {
		err = s.conversations.MarkFailed(ctx, c.ID)
	} else {
		x := rc.Extraction()
		var summary, tone string
		if x != nil {
			summary, tone = x.Summary, x.Tone
		}
		err = s.conversations.MarkProcessed(ctx, c.ID, summary, tone, x.EntityNames())
	}
	if err == nil {
		c.Status = status
		return FinalizeOutput{Status: status}, nil
	}
	// Out of time: the caller owns the fallback write.
	if ctx.Err() != nil {
		return FinalizeOutput{}, eris.Wrap(err, "finalization: status write interrupted")
	}
	return s.force(ctx, rc, status, err)
}

// Rescue writes the terminal status for a finalization that ended without
// one, typically because the stage deadline expired mid-write. cause is
// the error the stage ended with.
func (s *Finalization) Rescue(ctx context.Context, rc *RunContext, in FinalizeInput, cause error) (FinalizeOutput, error) {
	if rc.Conversation() == nil {
		return FinalizeOutput{Skipped: true}, nil
	}
	return s.force(ctx, rc, terminalStatus(in), cause)
}

// force sets the bare status on a context detached from ctx's deadline.
func (s *Finalization) force(ctx context.Context, rc *RunContext, status model.ConversationStatus, writeErr error) (FinalizeOutput, error) {
	c := rc.Conversation()
	rc.Logger().Warn("finalization: status write failed, forcing",
		zap.String("status", string(status)),
		zap.Error(writeErr),
	)

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.forceTimeout)
	defer cancel()
	ok, ferr := s.conversations.ForceStatusUpdate(fctx, c.ID, status)
	if ferr == nil && !ok {
		ferr = eris.Errorf("no conversation row %s", c.ID)
	}
	if ferr != nil {
		return FinalizeOutput{}, &FatalError{
			ConversationID: c.ID,
			Status:         status,
			WriteErr:       writeErr,
			ForcedErr:      ferr,
		}
	}

	metrics.FinalizationForced.Inc()
	c.Status = status
	return FinalizeOutput{Status: status, Forced: true}, nil
}
