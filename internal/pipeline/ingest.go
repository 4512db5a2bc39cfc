package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/postconvo/internal/model"
	"github.com/sells-group/postconvo/internal/store"
)

// StageIngestion loads the conversation.
const StageIngestion = "ingestion"

// ConversationLoader is the slice of the conversation repository ingestion
// needs.
type ConversationLoader interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	UpdateConversationStatus(ctx context.Context, id string, status model.ConversationStatus) error
}

// Ingestion loads and normalizes the conversation and marks it processing.
type Ingestion struct {
	conversations ConversationLoader
}

// NewIngestion creates the ingestion stage.
func NewIngestion(conversations ConversationLoader) *Ingestion {
	return &Ingestion{conversations: conversations}
}

// Run implements Stage.
func (s *Ingestion) Run(ctx context.Context, rc *RunContext, conversationID string) (*model.Conversation, error) {
	c, err := s.conversations.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, NewStageError(false, "conversation %s not found", conversationID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "ingestion: get conversation %s", conversationID)
	}
	if rc.UserID != "" && c.UserID != rc.UserID {
		return nil, NewStageError(false, "conversation %s does not belong to user %s", conversationID, rc.UserID)
	}

	normalizeMessages(c.Messages)
	// Past the deadline the run has moved on; publish nothing.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := rc.SetConversation(c); err != nil {
		return nil, err
	}

	if err := s.conversations.UpdateConversationStatus(ctx, c.ID, model.ConversationStatusProcessing); err != nil {
		rc.Logger().Warn("ingestion: mark processing failed", zap.Error(err))
	} else {
		c.Status = model.ConversationStatusProcessing
	}

	if !c.HasContent() {
		return nil, NewStageError(false, "conversation %s has no content", conversationID)
	}
	return c, nil
}

func normalizeMessages(msgs []model.Message) {
	for i := range msgs {
		msgs[i].Role = strings.TrimSpace(msgs[i].Role)
		msgs[i].Content = strings.TrimSpace(norm.NFC.String(msgs[i].Content))
	}
}
