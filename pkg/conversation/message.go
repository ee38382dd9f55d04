package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/loom-chat/loom/pkg/ids"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type PartType string

const (
	PartTypeText  PartType = "text"
	PartTypeImage PartType = "image"
	PartTypeFile  PartType = "file"
)

// ContentPart is a closed sum: TextPart, ImagePart or FilePart.
type ContentPart interface {
	PartType() PartType
}

type TextPart struct {
	Text string `json:"text"`
}

func (TextPart) PartType() PartType { return PartTypeText }

// ImagePart references an image by URL (possibly a data URI).
type ImagePart struct {
	URL       string `json:"url"`
	MediaType string `json:"mediaType,omitempty"`
}

func (ImagePart) PartType() PartType { return PartTypeImage }

// FilePart references an attached file.
type FilePart struct {
	Name      string `json:"name"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url,omitempty"`
}

func (FilePart) PartType() PartType { return PartTypeFile }

// ToolTraceEntry records one tool interaction observed during streaming.
// It is auxiliary data on a Version, never part of the provider-visible text.
type ToolTraceEntry struct {
	ToolID  string `json:"toolId,omitempty"`
	Name    string `json:"name"`
	Input   string `json:"input,omitempty"`
	Content string `json:"content,omitempty"`
}

// Version is one snapshot of a message's content. Versions are append-only
// per Message; after streaming ends only the forward edge fields change.
type Version struct {
	ID        string        `json:"id"`
	Content   []ContentPart `json:"content"`
	CreatedAt time.Time     `json:"createdAt"`

	IsIncomplete         bool   `json:"isIncomplete,omitempty"`
	IncompleteArtifactID string `json:"incompleteArtifactId,omitempty"`

	// forward edge of the active chain
	NextMessageID        string `json:"nextMessageId,omitempty"`
	NextMessageVersionID string `json:"nextMessageVersionId,omitempty"`

	Reasoning string           `json:"reasoning,omitempty"`
	ToolTrace []ToolTraceEntry `json:"toolTrace,omitempty"`
}

func newVersion(content []ContentPart) *Version {
	return &Version{
		ID:        ids.New(ids.PrefixVersion),
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// Text concatenates the version's text parts.
func (v *Version) Text() string {
	var sb strings.Builder
	for _, p := range v.Content {
		if t, ok := p.(TextPart); ok {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

// AppendText extends the trailing text part, creating one if the content
// ends with a non-text part.
func (v *Version) AppendText(s string) {
	if s == "" {
		return
	}
	if n := len(v.Content); n > 0 {
		if t, ok := v.Content[n-1].(TextPart); ok {
			v.Content[n-1] = TextPart{Text: t.Text + s}
			return
		}
	}
	v.Content = append(v.Content, TextPart{Text: s})
}

type versionAlias struct {
	ID                   string           `json:"id"`
	Content              json.RawMessage  `json:"content"`
	CreatedAt            time.Time        `json:"createdAt"`
	IsIncomplete         bool             `json:"isIncomplete,omitempty"`
	IncompleteArtifactID string           `json:"incompleteArtifactId,omitempty"`
	NextMessageID        string           `json:"nextMessageId,omitempty"`
	NextMessageVersionID string           `json:"nextMessageVersionId,omitempty"`
	Reasoning            string           `json:"reasoning,omitempty"`
	ToolTrace            []ToolTraceEntry `json:"toolTrace,omitempty"`
}

type partAlias struct {
	Type PartType        `json:"type"`
	Part json.RawMessage `json:"part"`
}

// MarshalJSON writes content as a plain string when it is pure text, and as
// a typed part list otherwise, matching the serialized conversation shape.
func (v Version) MarshalJSON() ([]byte, error) {
	var content json.RawMessage
	if isPlainText(v.Content) {
		b, err := json.Marshal(v.Text())
		if err != nil {
			return nil, err
		}
		content = b
	} else {
		parts := make([]partAlias, 0, len(v.Content))
		for _, p := range v.Content {
			b, err := json.Marshal(p)
			if err != nil {
				return nil, err
			}
			parts = append(parts, partAlias{Type: p.PartType(), Part: b})
		}
		b, err := json.Marshal(parts)
		if err != nil {
			return nil, err
		}
		content = b
	}
	return json.Marshal(versionAlias{
		ID:                   v.ID,
		Content:              content,
		CreatedAt:            v.CreatedAt,
		IsIncomplete:         v.IsIncomplete,
		IncompleteArtifactID: v.IncompleteArtifactID,
		NextMessageID:        v.NextMessageID,
		NextMessageVersionID: v.NextMessageVersionID,
		Reasoning:            v.Reasoning,
		ToolTrace:            v.ToolTrace,
	})
}

func (v *Version) UnmarshalJSON(data []byte) error {
	var va versionAlias
	if err := json.Unmarshal(data, &va); err != nil {
		return err
	}

	var content []ContentPart
	if len(va.Content) > 0 {
		var s string
		if err := json.Unmarshal(va.Content, &s); err == nil {
			if s != "" {
				content = []ContentPart{TextPart{Text: s}}
			}
		} else {
			var parts []partAlias
			if err := json.Unmarshal(va.Content, &parts); err != nil {
				return errors.Wrap(err, "version content is neither string nor part list")
			}
			for _, pa := range parts {
				p, err := unmarshalPart(pa)
				if err != nil {
					return err
				}
				content = append(content, p)
			}
		}
	}

	v.ID = va.ID
	v.Content = content
	v.CreatedAt = va.CreatedAt
	v.IsIncomplete = va.IsIncomplete
	v.IncompleteArtifactID = va.IncompleteArtifactID
	v.NextMessageID = va.NextMessageID
	v.NextMessageVersionID = va.NextMessageVersionID
	v.Reasoning = va.Reasoning
	v.ToolTrace = va.ToolTrace
	return nil
}

func unmarshalPart(pa partAlias) (ContentPart, error) {
	switch pa.Type {
	case PartTypeText:
		var p TextPart
		if err := json.Unmarshal(pa.Part, &p); err != nil {
			return nil, err
		}
		return p, nil
	case PartTypeImage:
		var p ImagePart
		if err := json.Unmarshal(pa.Part, &p); err != nil {
			return nil, err
		}
		return p, nil
	case PartTypeFile:
		var p FilePart
		if err := json.Unmarshal(pa.Part, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, errors.Errorf("unknown content part type %q", pa.Type)
	}
}

func isPlainText(parts []ContentPart) bool {
	for _, p := range parts {
		if _, ok := p.(TextPart); !ok {
			return false
		}
	}
	return true
}

// Message is a node of the conversation graph. Versions are alternative
// contents for the same slot; exactly one is active.
type Message struct {
	ID              string     `json:"id"`
	Role            Role       `json:"role"`
	Versions        []*Version `json:"versions"`
	ActiveVersionID string     `json:"activeVersionId"`
}

// ActiveVersion returns the version named by ActiveVersionID, or nil.
func (m *Message) ActiveVersion() *Version {
	return m.VersionByID(m.ActiveVersionID)
}

func (m *Message) VersionByID(id string) *Version {
	for _, v := range m.Versions {
		if v.ID == id {
			return v
		}
	}
	return nil
}

// DefaultTitle is the title new conversations start with; the first user
// message replaces it.
const DefaultTitle = "New Chat"

type Conversation struct {
	ID             string              `json:"id"`
	Title          string              `json:"title"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
	FirstMessageID string              `json:"firstMessageId,omitempty"`
	Messages       map[string]*Message `json:"messages"`
}

func NewConversation() *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        ids.New(ids.PrefixConversation),
		Title:     DefaultTitle,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  map[string]*Message{},
	}
}

// ArtifactPlaceholder is the opaque token spliced into assistant text where
// an artifact was declared. Renderers substitute it in place; everything
// else treats it as text.
func ArtifactPlaceholder(artifactID string) string {
	return fmt.Sprintf(`<artifactrenderer id=%q></artifactrenderer>`, artifactID)
}
