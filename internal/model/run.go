package model

// StageComplete is reported as StageReached when every stage ran.
const StageComplete = "complete"

// RunResult is the outcome of one pipeline run for a conversation.
type RunResult struct {
	ConversationID string             `json:"conversation_id"`
	UserID         string             `json:"user_id"`
	Success        bool               `json:"success"`
	StageReached   string             `json:"stage_reached"`
	Error          string             `json:"error,omitempty"`
	StageErrors    map[string]string  `json:"stage_errors,omitempty"`
	FinalStatus    ConversationStatus `json:"final_status,omitempty"`
	ForcedFinalize bool               `json:"forced_finalize"`
	DeadLettered   bool               `json:"dead_lettered,omitempty"`
	DurationMs     float64            `json:"duration_ms"`

	EntitiesUpserted     int  `json:"entities_upserted"`
	FactsAdded           int  `json:"facts_added"`
	SummaryRolledUp      bool `json:"summary_rolled_up"`
	ThreadsCreated       int  `json:"threads_created"`
	ThreadsUpdated       int  `json:"threads_updated"`
	ThoughtsCreated      int  `json:"thoughts_created"`
	ArcsUpdated          int  `json:"arcs_updated"`
	ExchangesPaired      int  `json:"exchanges_paired"`
	ViceSignalsProcessed int  `json:"vice_signals_processed"`
	VoiceKeysInvalidated int  `json:"voice_keys_invalidated"`
}
