package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/postconvo/internal/store"
)

// StageSummary rolls the conversation summary into the user's day.
const StageSummary = "summary_rollup"

// SummaryOutput reports the day a summary was rolled into.
type SummaryOutput struct {
	Day               string `json:"day,omitempty"`
	ConversationCount int    `json:"conversation_count"`
	RolledUp          bool   `json:"rolled_up"`
}

// SummaryRollup appends the conversation summary to the daily rollup keyed by
// the conversation's UTC start date.
type SummaryRollup struct {
	summaries store.SummaryRepository
}

// NewSummaryRollup creates the summary rollup stage.
func NewSummaryRollup(summaries store.SummaryRepository) *SummaryRollup {
	return &SummaryRollup{summaries: summaries}
}

// Run implements Stage.
func (s *SummaryRollup) Run(ctx context.Context, _ *RunContext, in DomainInput) (SummaryOutput, error) {
	if in.Conversation == nil || in.Extraction == nil {
		return SummaryOutput{}, NewStageError(false, "summary rollup needs a conversation and an extraction")
	}
	if in.Extraction.Summary == "" {
		return SummaryOutput{}, nil
	}

	c := in.Conversation
	day := summaryDay(c.StartedAt, c.CreatedAt)
	if err := s.summaries.AddDailySummaryEntry(ctx, c.UserID, day, c.ID, in.Extraction.Summary); err != nil {
		return SummaryOutput{}, eris.Wrapf(err, "summary: add entry for %s", day)
	}

	ds, err := s.summaries.GetDailySummary(ctx, c.UserID, day)
	if err != nil {
		return SummaryOutput{}, eris.Wrapf(err, "summary: get rollup for %s", day)
	}
	return SummaryOutput{Day: day, ConversationCount: ds.ConversationCount, RolledUp: true}, nil
}

func summaryDay(startedAt, createdAt time.Time) string {
	t := startedAt
	if t.IsZero() {
		t = createdAt
	}
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.DateOnly)
}
