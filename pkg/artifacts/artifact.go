package artifacts

import (
	"time"

	"github.com/loom-chat/loom/pkg/ids"
)

// Metadata attribute names the core knows about. Producers may attach
// arbitrary additional attributes; they are preserved verbatim.
const (
	MetaType     = "type"
	MetaLanguage = "language"
	MetaFilename = "filename"
	MetaTitle    = "title"
)

// Version is one snapshot of an artifact's content. While IsComplete is
// false the parser appends to Content; once complete the version is frozen.
type Version struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata"`
	IsComplete bool              `json:"isComplete"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Artifact is a container of ordered versions. Versions are append-only;
// ActiveVersionID always names a present version.
type Artifact struct {
	ID              string     `json:"id"`
	ConversationID  string     `json:"conversationId"`
	Versions        []*Version `json:"versions"`
	ActiveVersionID string     `json:"activeVersionId"`
}

func newVersion(metadata map[string]string) *Version {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return &Version{
		ID:        ids.New(ids.PrefixArtifactVersion),
		Metadata:  md,
		CreatedAt: time.Now(),
	}
}

// ActiveVersion returns the version ActiveVersionID points at, or nil when
// the container is empty.
func (a *Artifact) ActiveVersion() *Version {
	for _, v := range a.Versions {
		if v.ID == a.ActiveVersionID {
			return v
		}
	}
	return nil
}

// VersionByID returns the version with the given id, or nil.
func (a *Artifact) VersionByID(versionID string) *Version {
	for _, v := range a.Versions {
		if v.ID == versionID {
			return v
		}
	}
	return nil
}
