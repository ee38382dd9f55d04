package events

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventMetadata travels with every normalized event and identifies the turn
// it belongs to.
type EventMetadata struct {
	ID             uuid.UUID `json:"event_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	VersionID      string    `json:"version_id,omitempty"`
	TurnID         string    `json:"turn_id,omitempty"`
	Model          string    `json:"model,omitempty"`

	// Extra carries provider-specific values (stop reason, usage counts).
	Extra map[string]interface{} `json:"extra,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("event_id", em.ID.String())
	if em.ConversationID != "" {
		e.Str("conversation_id", em.ConversationID)
	}
	if em.MessageID != "" {
		e.Str("message_id", em.MessageID)
	}
	if em.VersionID != "" {
		e.Str("version_id", em.VersionID)
	}
	if em.TurnID != "" {
		e.Str("turn_id", em.TurnID)
	}
	if em.Model != "" {
		e.Str("model", em.Model)
	}
	if len(em.Extra) > 0 {
		e.Dict("extra", zerolog.Dict().Fields(em.Extra))
	}
}
