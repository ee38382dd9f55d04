package artifacts

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Store owns the artifact containers of all conversations. Invalid targets
// are absorbed with a diagnostic log; the store never returns errors across
// its mutation API.
//
// Containers are never removed except by RemoveConversation, versions are
// never removed or reordered, and content is only appended to versions that
// are not yet complete.
type Store struct {
	mu sync.RWMutex
	// conversation id -> artifact id -> container
	byConversation map[string]map[string]*Artifact
}

func NewStore() *Store {
	return &Store{
		byConversation: make(map[string]map[string]*Artifact),
	}
}

// StartArtifact begins streaming into an artifact. Three cases:
//   - unknown id: create the container with a fresh incomplete version
//   - active version complete: append a fresh incomplete version (rewrite),
//     merging new metadata over the previous version's metadata
//   - active version incomplete: continuation; merge metadata, keep content
func (s *Store) StartArtifact(conversationID, artifactID string, metadata map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	convArtifacts, ok := s.byConversation[conversationID]
	if !ok {
		convArtifacts = make(map[string]*Artifact)
		s.byConversation[conversationID] = convArtifacts
	}

	a, ok := convArtifacts[artifactID]
	if !ok {
		v := newVersion(metadata)
		a = &Artifact{
			ID:              artifactID,
			ConversationID:  conversationID,
			Versions:        []*Version{v},
			ActiveVersionID: v.ID,
		}
		convArtifacts[artifactID] = a
		log.Debug().Str("conversation_id", conversationID).Str("artifact_id", artifactID).Msg("artifact created")
		return
	}

	active := a.ActiveVersion()
	if active == nil {
		// container exists but active pointer is dangling; repair by
		// appending a fresh version
		v := newVersion(metadata)
		a.Versions = append(a.Versions, v)
		a.ActiveVersionID = v.ID
		log.Warn().Str("artifact_id", artifactID).Msg("artifact had no active version, repaired")
		return
	}

	if active.IsComplete {
		// rewrite: new version, new metadata overrides old, missing keys
		// keep their previous value
		v := newVersion(active.Metadata)
		for k, val := range metadata {
			v.Metadata[k] = val
		}
		a.Versions = append(a.Versions, v)
		a.ActiveVersionID = v.ID
		log.Debug().Str("artifact_id", artifactID).Int("num_versions", len(a.Versions)).Msg("artifact rewrite started")
		return
	}

	// continuation or duplicate open: keep content, merge metadata
	for k, val := range metadata {
		active.Metadata[k] = val
	}
	log.Debug().Str("artifact_id", artifactID).Msg("artifact continuation")
}

// AppendContent appends chunk to the active version of the artifact. A
// missing container or a completed active version is a no-op with a log.
func (s *Store) AppendContent(conversationID, artifactID, chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.activeVersionLocked(conversationID, artifactID)
	if active == nil {
		log.Warn().Str("conversation_id", conversationID).Str("artifact_id", artifactID).Msg("append to unknown artifact dropped")
		return
	}
	if active.IsComplete {
		log.Warn().Str("artifact_id", artifactID).Str("version_id", active.ID).Msg("append to completed artifact version dropped")
		return
	}
	active.Content += chunk
}

// Complete freezes the active version. Idempotent; unknown targets are
// logged no-ops.
func (s *Store) Complete(conversationID, artifactID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.activeVersionLocked(conversationID, artifactID)
	if active == nil {
		log.Warn().Str("conversation_id", conversationID).Str("artifact_id", artifactID).Msg("complete on unknown artifact dropped")
		return
	}
	active.IsComplete = true
}

// SwitchActiveVersion changes which version is displayed. The version must
// belong to the container.
func (s *Store) SwitchActiveVersion(conversationID, artifactID, versionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.getLocked(conversationID, artifactID)
	if a == nil {
		log.Warn().Str("artifact_id", artifactID).Msg("switch on unknown artifact dropped")
		return
	}
	if a.VersionByID(versionID) == nil {
		log.Warn().Str("artifact_id", artifactID).Str("version_id", versionID).Msg("switch to unknown artifact version dropped")
		return
	}
	a.ActiveVersionID = versionID
}

// Get returns the container for (conversationID, artifactID), or nil.
func (s *Store) Get(conversationID, artifactID string) *Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(conversationID, artifactID)
}

// ActiveVersion returns the active version of the artifact, or nil.
func (s *Store) ActiveVersion(conversationID, artifactID string) *Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeVersionLocked(conversationID, artifactID)
}

// List returns all containers of a conversation, in unspecified order.
func (s *Store) List(conversationID string) []*Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	convArtifacts := s.byConversation[conversationID]
	ret := make([]*Artifact, 0, len(convArtifacts))
	for _, a := range convArtifacts {
		ret = append(ret, a)
	}
	return ret
}

// RemoveConversation cascades deletion of every artifact owned by the
// conversation.
func (s *Store) RemoveConversation(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byConversation, conversationID)
}

// Restore reinstalls a container loaded from a snapshot, replacing any
// container with the same id.
func (s *Store) Restore(a *Artifact) {
	if a == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	convArtifacts, ok := s.byConversation[a.ConversationID]
	if !ok {
		convArtifacts = make(map[string]*Artifact)
		s.byConversation[a.ConversationID] = convArtifacts
	}
	convArtifacts[a.ID] = a
}

func (s *Store) getLocked(conversationID, artifactID string) *Artifact {
	convArtifacts, ok := s.byConversation[conversationID]
	if !ok {
		return nil
	}
	return convArtifacts[artifactID]
}

func (s *Store) activeVersionLocked(conversationID, artifactID string) *Version {
	a := s.getLocked(conversationID, artifactID)
	if a == nil {
		return nil
	}
	return a.ActiveVersion()
}
