package models

// SendRequest is the body of POST /api/messages/:chatId.
type SendRequest struct {
	Content       string           `json:"content"`
	Reasoning     *ReasoningConfig `json:"reasoning,omitempty"`
	AttachmentIDs []string         `json:"attachment_ids"`
}

// ReasoningConfig asks the model for a reasoning budget, either as an effort level or as a token cap.
type ReasoningConfig struct {
	Effort    string `json:"effort,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// NewChatRequest is the body of POST /api/chats.
type NewChatRequest struct {
	Model string `json:"model,omitempty"`
}

// ModelInfo describes a model offered by the backend.
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	OwnedBy     string `json:"owned_by,omitempty"`
	Created     int64  `json:"created,omitempty"`
	Description string `json:"description,omitempty"`
}

// Reasoning effort levels accepted by the backend.
const (
	EffortLow    = "low"
	EffortMedium = "medium"
	EffortHigh   = "high"
)

// ValidEffort reports whether e is empty or a known effort level.
func ValidEffort(e string) bool {
	switch e {
	case "", EffortLow, EffortMedium, EffortHigh:
		return true
	}
	return false
}
