package persistence

import (
	"time"

	"github.com/loom-chat/loom/pkg/artifacts"
	"github.com/loom-chat/loom/pkg/conversation"
)

// Snapshot is the serialized form of one conversation together with its
// artifacts. It is the unit of persistence: every committed change writes
// the whole affected conversation. Older snapshots may lack the
// incompleteness fields on message versions; they default to false and
// empty on load.
type Snapshot struct {
	ID             string                           `json:"id"`
	Title          string                           `json:"title"`
	CreatedAt      time.Time                        `json:"createdAt"`
	UpdatedAt      time.Time                        `json:"updatedAt"`
	FirstMessageID string                           `json:"firstMessageId,omitempty"`
	Messages       map[string]*conversation.Message `json:"messages"`
	Artifacts      map[string]*artifacts.Artifact   `json:"artifacts"`
}

// Capture deep-copies the conversation and its artifacts into a Snapshot.
// The copy is required: the stores keep mutating versions while a stream is
// live, and the writer marshals snapshots on its own goroutine.
func Capture(c *conversation.Conversation, arts *artifacts.Store) *Snapshot {
	snap := &Snapshot{
		ID:             c.ID,
		Title:          c.Title,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
		FirstMessageID: c.FirstMessageID,
		Messages:       make(map[string]*conversation.Message, len(c.Messages)),
		Artifacts:      map[string]*artifacts.Artifact{},
	}
	for id, m := range c.Messages {
		snap.Messages[id] = cloneMessage(m)
	}
	for _, a := range arts.List(c.ID) {
		snap.Artifacts[a.ID] = cloneArtifact(a)
	}
	return snap
}

// Restore loads the snapshot into the stores, replacing any in-memory state
// for the same conversation.
func (s *Snapshot) Restore(convs *conversation.Store, arts *artifacts.Store) {
	c := &conversation.Conversation{
		ID:             s.ID,
		Title:          s.Title,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
		FirstMessageID: s.FirstMessageID,
		Messages:       make(map[string]*conversation.Message, len(s.Messages)),
	}
	for id, m := range s.Messages {
		c.Messages[id] = cloneMessage(m)
	}
	convs.Add(c)

	arts.RemoveConversation(s.ID)
	for _, a := range s.Artifacts {
		arts.Restore(cloneArtifact(a))
	}
}

func cloneMessage(m *conversation.Message) *conversation.Message {
	out := &conversation.Message{
		ID:              m.ID,
		Role:            m.Role,
		ActiveVersionID: m.ActiveVersionID,
		Versions:        make([]*conversation.Version, len(m.Versions)),
	}
	for i, v := range m.Versions {
		out.Versions[i] = cloneVersion(v)
	}
	return out
}

func cloneVersion(v *conversation.Version) *conversation.Version {
	out := *v
	// content parts are value types; copying the slice is enough
	out.Content = append([]conversation.ContentPart(nil), v.Content...)
	out.ToolTrace = append([]conversation.ToolTraceEntry(nil), v.ToolTrace...)
	return &out
}

func cloneArtifact(a *artifacts.Artifact) *artifacts.Artifact {
	out := &artifacts.Artifact{
		ID:              a.ID,
		ConversationID:  a.ConversationID,
		ActiveVersionID: a.ActiveVersionID,
		Versions:        make([]*artifacts.Version, len(a.Versions)),
	}
	for i, v := range a.Versions {
		cv := *v
		cv.Metadata = make(map[string]string, len(v.Metadata))
		for k, val := range v.Metadata {
			cv.Metadata[k] = val
		}
		out.Versions[i] = &cv
	}
	return out
}
