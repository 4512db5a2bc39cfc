package pipeline

import (
	"maps"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/postconvo/internal/model"
)

// RunContext carries the state of one pipeline run between stages. It is
// owned by a single run; the mutex guards against a timed-out stage that is
// still unwinding in the background.
type RunContext struct {
	ConversationID string
	UserID         string
	StartedAt      time.Time

	mu           sync.RWMutex
	conversation *model.Conversation
	extraction   *model.ExtractionResult
	stageErrors  map[string]string
	metadata     map[string]any
	log          *zap.Logger
}

// NewRunContext starts the context for one conversation.
func NewRunContext(conversationID, userID string) *RunContext {
	return &RunContext{
		ConversationID: conversationID,
		UserID:         userID,
		StartedAt:      time.Now(),
		stageErrors:    make(map[string]string),
		metadata:       make(map[string]any),
		log: zap.L().With(
			zap.String("conversation_id", conversationID),
			zap.String("user_id", userID),
		),
	}
}

// Logger returns a logger bound to the run's identifiers.
func (rc *RunContext) Logger() *zap.Logger {
	return rc.log
}

// SetConversation stores the loaded conversation. It may be set once.
func (rc *RunContext) SetConversation(c *model.Conversation) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.conversation != nil {
		return eris.New("pipeline: conversation already loaded")
	}
	rc.conversation = c
	return nil
}

// Conversation returns the loaded conversation, or nil before ingestion.
func (rc *RunContext) Conversation() *model.Conversation {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.conversation
}

// SetExtraction stores the extraction output. It may be set once.
func (rc *RunContext) SetExtraction(r *model.ExtractionResult) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.extraction != nil {
		return eris.New("pipeline: extraction already recorded")
	}
	rc.extraction = r
	return nil
}

// Extraction returns the extraction output, or nil if extraction has not
// succeeded.
func (rc *RunContext) Extraction() *model.ExtractionResult {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.extraction
}

// RecordError appends msg to the stage's error entry. Entries are never
// removed.
func (rc *RunContext) RecordError(stage, msg string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if prev, ok := rc.stageErrors[stage]; ok {
		rc.stageErrors[stage] = prev + "; " + msg
		return
	}
	rc.stageErrors[stage] = msg
}

// StageError returns the recorded error for a stage.
func (rc *RunContext) StageError(stage string) (string, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	msg, ok := rc.stageErrors[stage]
	return msg, ok
}

// StageErrors returns a copy of every recorded stage error.
func (rc *RunContext) StageErrors() map[string]string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return maps.Clone(rc.stageErrors)
}

// SetMetadata records an auxiliary value.
func (rc *RunContext) SetMetadata(key string, value any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.metadata[key] = value
}

// Metadata returns an auxiliary value.
func (rc *RunContext) Metadata(key string) (any, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.metadata[key]
	return v, ok
}

// MarkStage records a stage's outcome under "<stage>_success" and, when
// result is non-nil, "<stage>_result".
func (rc *RunContext) MarkStage(stage string, success bool, result any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.metadata[stage+"_success"] = success
	if result != nil {
		rc.metadata[stage+"_result"] = result
	}
}
