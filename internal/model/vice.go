package model

import "time"

// Exchange pairs one user turn with the counterpart reply that answered it.
type Exchange struct {
	Subject     string `json:"subject"`
	Counterpart string `json:"counterpart"`
}

// ViceSignal is one vice detected in an exchange.
type ViceSignal struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Vice           string    `json:"vice"`
	Score          float64   `json:"score"`
	Evidence       string    `json:"evidence"`
	CreatedAt      time.Time `json:"created_at"`
}
