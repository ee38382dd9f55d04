package conversation

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loom-chat/loom/pkg/ids"
)

const maxAutoTitleRunes = 48

// ChainEntry is one step of the active chain.
type ChainEntry struct {
	MessageID string
	VersionID string
	Role      Role
	Version   *Version
}

// Store owns every conversation and the graph operations on them. Invalid
// targets are absorbed with a diagnostic log; the store never panics and
// never returns errors for them.
//
// The lock serializes whole operations; within one conversation the turn
// orchestrator additionally guarantees a single writer at a time.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
}

func NewStore() *Store {
	return &Store{
		conversations: map[string]*Conversation{},
	}
}

// Create registers and returns a fresh conversation.
func (s *Store) Create() *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := NewConversation()
	s.conversations[c.ID] = c
	return c
}

// Add registers an existing conversation, replacing any previous one with
// the same id. Used by restore and import.
func (s *Store) Add(c *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = c
}

func (s *Store) Get(conversationID string) (*Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[conversationID]
	return c, ok
}

func (s *Store) List() []*Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, c)
	}
	return out
}

// Remove deletes a conversation. Artifact cascade is the artifact store's
// concern; callers remove there as well.
func (s *Store) Remove(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, conversationID)
}

// AddMessageNode appends a message with a single initial version, links it
// from the current active tail (or makes it the first message), and returns
// the new message and version ids. When the conversation still carries the
// default title and the node is a user message, the message text becomes
// the title.
func (s *Store) AddMessageNode(conversationID string, role Role, content []ContentPart) (messageID, versionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convLocked(conversationID, "AddMessageNode")
	if c == nil {
		return "", ""
	}

	v := newVersion(content)
	m := &Message{
		ID:              ids.New(ids.PrefixMessage),
		Role:            role,
		Versions:        []*Version{v},
		ActiveVersionID: v.ID,
	}
	c.Messages[m.ID] = m

	if tail := tailLocked(c); tail != nil {
		tail.Version.NextMessageID = m.ID
		tail.Version.NextMessageVersionID = v.ID
	} else {
		c.FirstMessageID = m.ID
	}

	c.UpdatedAt = time.Now()
	if role == RoleUser && c.Title == DefaultTitle {
		if t := autoTitle(v.Text()); t != "" {
			c.Title = t
		}
	}
	return m.ID, v.ID
}

// AppendVersion pushes a new empty version onto a message, makes it active,
// and retargets the predecessor's forward edge at it. The new version has no
// forward edge, so downstream nodes of the replaced branch leave the active
// chain.
func (s *Store) AppendVersion(conversationID, messageID string) (versionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convLocked(conversationID, "AppendVersion")
	if c == nil {
		return ""
	}
	m := c.Messages[messageID]
	if m == nil {
		log.Warn().Str("conversation_id", conversationID).Str("message_id", messageID).
			Msg("AppendVersion: unknown message")
		return ""
	}

	v := newVersion(nil)
	m.Versions = append(m.Versions, v)
	m.ActiveVersionID = v.ID

	if pred := predecessorLocked(c, messageID); pred != nil {
		pred.NextMessageVersionID = v.ID
	}
	c.UpdatedAt = time.Now()
	return v.ID
}

// UpdateVersionContent replaces a version's content outright. Timestamps are
// untouched.
func (s *Store) UpdateVersionContent(conversationID, messageID, versionID string, content []ContentPart) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v := s.versionLocked(conversationID, messageID, versionID, "UpdateVersionContent"); v != nil {
		v.Content = content
	}
}

// AppendText extends a version's trailing text part.
func (s *Store) AppendText(conversationID, messageID, versionID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v := s.versionLocked(conversationID, messageID, versionID, "AppendText"); v != nil {
		v.AppendText(text)
	}
}

// AppendReasoning extends a version's reasoning buffer.
func (s *Store) AppendReasoning(conversationID, messageID, versionID, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v := s.versionLocked(conversationID, messageID, versionID, "AppendReasoning"); v != nil {
		v.Reasoning += text
	}
}

// AppendToolTrace records a tool interaction on a version.
func (s *Store) AppendToolTrace(conversationID, messageID, versionID string, entry ToolTraceEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v := s.versionLocked(conversationID, messageID, versionID, "AppendToolTrace"); v != nil {
		v.ToolTrace = append(v.ToolTrace, entry)
	}
}

// FinalizeVersion sets the post-stream incompleteness flags.
func (s *Store) FinalizeVersion(conversationID, messageID, versionID string, isIncomplete bool, incompleteArtifactID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.versionLocked(conversationID, messageID, versionID, "FinalizeVersion")
	if v == nil {
		return
	}
	v.IsIncomplete = isIncomplete
	if isIncomplete {
		v.IncompleteArtifactID = incompleteArtifactID
	} else {
		v.IncompleteArtifactID = ""
	}
}

// DeleteBranch removes a message and nulls the edge pointing at it. Nodes
// downstream of the deleted message become unreachable through the active
// chain but are not collected.
func (s *Store) DeleteBranch(conversationID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convLocked(conversationID, "DeleteBranch")
	if c == nil {
		return
	}
	if _, ok := c.Messages[messageID]; !ok {
		log.Warn().Str("conversation_id", conversationID).Str("message_id", messageID).
			Msg("DeleteBranch: unknown message")
		return
	}

	if pred := predecessorLocked(c, messageID); pred != nil {
		pred.NextMessageID = ""
		pred.NextMessageVersionID = ""
	} else if c.FirstMessageID == messageID {
		c.FirstMessageID = ""
	}
	delete(c.Messages, messageID)
	c.UpdatedAt = time.Now()
}

// SwitchActiveVersion changes which version of a message is active and
// retargets the predecessor's forward edge, so a single forward walk yields
// the selected branch.
func (s *Store) SwitchActiveVersion(conversationID, messageID, versionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convLocked(conversationID, "SwitchActiveVersion")
	if c == nil {
		return
	}
	m := c.Messages[messageID]
	if m == nil || m.VersionByID(versionID) == nil {
		log.Warn().Str("conversation_id", conversationID).Str("message_id", messageID).
			Str("version_id", versionID).Msg("SwitchActiveVersion: unknown target")
		return
	}

	if pred := predecessorLocked(c, messageID); pred != nil {
		pred.NextMessageVersionID = versionID
	}
	m.ActiveVersionID = versionID
	c.UpdatedAt = time.Now()
}

// ActiveChain walks forward edges from the first message and returns the
// ordered chain. Each message is visited at most once.
func (s *Store) ActiveChain(conversationID string) []ChainEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.conversations[conversationID]
	if c == nil {
		return nil
	}
	return activeChainLocked(c)
}

// Tail returns the last entry of the active chain.
func (s *Store) Tail(conversationID string) (ChainEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.conversations[conversationID]
	if c == nil {
		return ChainEntry{}, false
	}
	t := tailLocked(c)
	if t == nil {
		return ChainEntry{}, false
	}
	return *t, true
}

func (s *Store) convLocked(conversationID, op string) *Conversation {
	c := s.conversations[conversationID]
	if c == nil {
		log.Warn().Str("conversation_id", conversationID).Str("op", op).
			Msg("unknown conversation")
	}
	return c
}

func (s *Store) versionLocked(conversationID, messageID, versionID, op string) *Version {
	c := s.convLocked(conversationID, op)
	if c == nil {
		return nil
	}
	m := c.Messages[messageID]
	if m == nil {
		log.Warn().Str("conversation_id", conversationID).Str("message_id", messageID).
			Str("op", op).Msg("unknown message")
		return nil
	}
	v := m.VersionByID(versionID)
	if v == nil {
		log.Warn().Str("conversation_id", conversationID).Str("message_id", messageID).
			Str("version_id", versionID).Str("op", op).Msg("unknown version")
	}
	return v
}

func activeChainLocked(c *Conversation) []ChainEntry {
	var chain []ChainEntry
	seen := map[string]bool{}

	msgID := c.FirstMessageID
	verID := ""
	for msgID != "" && !seen[msgID] {
		seen[msgID] = true
		m := c.Messages[msgID]
		if m == nil {
			break
		}
		v := m.VersionByID(verID)
		if v == nil {
			v = m.ActiveVersion()
		}
		if v == nil {
			break
		}
		chain = append(chain, ChainEntry{
			MessageID: msgID,
			VersionID: v.ID,
			Role:      m.Role,
			Version:   v,
		})
		msgID, verID = v.NextMessageID, v.NextMessageVersionID
	}
	return chain
}

func tailLocked(c *Conversation) *ChainEntry {
	chain := activeChainLocked(c)
	if len(chain) == 0 {
		return nil
	}
	return &chain[len(chain)-1]
}

// predecessorLocked finds the active-chain version whose forward edge points
// at messageID.
func predecessorLocked(c *Conversation, messageID string) *Version {
	for _, e := range activeChainLocked(c) {
		if e.Version.NextMessageID == messageID {
			return e.Version
		}
	}
	return nil
}

func autoTitle(text string) string {
	t := strings.TrimSpace(text)
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	r := []rune(t)
	if len(r) > maxAutoTitleRunes {
		t = strings.TrimSpace(string(r[:maxAutoTitleRunes])) + "…"
	}
	return t
}
