package conversation

import (
	"regexp"
	"sort"
	"strings"

	"github.com/loom-chat/loom/pkg/providers"
)

var placeholderRe = regexp.MustCompile(`<artifactrenderer id="([^"]*)"></artifactrenderer>`)

// continuationInstruction is prepended to a bare "continue" user message so
// the model resumes the unterminated artifact instead of starting over.
const continuationInstruction = "Your previous artifact was cut off mid-stream. " +
	"Continue it exactly where it stopped: emit only the remaining content " +
	"followed by the closing tag. Do not repeat earlier content and do not " +
	"open a new artifact."

// FormatOptions carries the prompt preamble and an optional resolver that
// expands artifact placeholders back into inline artifact markup so the
// model sees its own prior output.
type FormatOptions struct {
	SystemPrompt         string
	ArtifactInstructions string

	// ArtifactText returns the current content and metadata attributes of an
	// artifact, used to expand placeholder tokens. May be nil.
	ArtifactText func(artifactID string) (content string, metadata map[string]string, ok bool)
}

// IsContinueText reports whether a user message asks for artifact
// continuation.
func IsContinueText(s string) bool {
	return strings.EqualFold(strings.TrimSpace(s), "continue")
}

// ContinuationTarget returns the artifact to resume, if the chain ends with
// a "continue" user message directly after an incomplete assistant version.
// The returned entry is the incomplete assistant entry itself.
func ContinuationTarget(chain []ChainEntry) (resumeID string, predecessor *ChainEntry) {
	last := len(chain) - 1
	for last >= 0 && chain[last].Role != RoleUser {
		last--
	}
	if last <= 0 || !IsContinueText(chain[last].Version.Text()) {
		return "", nil
	}
	for i := last - 1; i >= 0; i-- {
		if chain[i].Role != RoleAssistant {
			continue
		}
		v := chain[i].Version
		if v.IsIncomplete && v.IncompleteArtifactID != "" {
			return v.IncompleteArtifactID, &chain[i]
		}
		return "", nil
	}
	return "", nil
}

// FormatChain translates the active chain into provider-neutral messages,
// prepending the configured system prompt and artifact instructions. When
// the chain ends in a continuation request the instruction is spliced into
// that user message and the artifact id to resume is returned.
func FormatChain(chain []ChainEntry, opts FormatOptions) ([]providers.ChatMessage, string) {
	resumeID, _ := ContinuationTarget(chain)

	var msgs []providers.ChatMessage
	if sys := joinPreamble(opts.SystemPrompt, opts.ArtifactInstructions); sys != "" {
		msgs = append(msgs, providers.ChatMessage{Role: providers.RoleSystem, Content: sys})
	}

	lastUser := -1
	for i, e := range chain {
		if e.Role == RoleUser {
			lastUser = i
		}
	}

	for i, e := range chain {
		cm := providers.ChatMessage{Role: mapRole(e.Role)}
		for _, p := range e.Version.Content {
			switch part := p.(type) {
			case TextPart:
				cm.Content += part.Text
			case ImagePart:
				cm.Images = append(cm.Images, providers.Attachment{
					MediaType: part.MediaType,
					URL:       part.URL,
				})
			case FilePart:
				cm.Files = append(cm.Files, providers.Attachment{
					Name:      part.Name,
					MediaType: part.MediaType,
					URL:       part.URL,
				})
			}
		}
		cm.Content = expandPlaceholders(cm.Content, opts.ArtifactText)
		if resumeID != "" && i == lastUser {
			cm.Content = continuationInstruction + "\n\n" + cm.Content
		}
		msgs = append(msgs, cm)
	}
	return msgs, resumeID
}

func mapRole(r Role) string {
	switch r {
	case RoleAssistant:
		return providers.RoleAssistant
	case RoleSystem:
		return providers.RoleSystem
	default:
		return providers.RoleUser
	}
}

func joinPreamble(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "\n\n")
}

// expandPlaceholders substitutes artifact placeholder tokens with inline
// artifact markup. Unresolvable placeholders pass through untouched.
func expandPlaceholders(text string, lookup func(string) (string, map[string]string, bool)) string {
	if lookup == nil || !strings.Contains(text, "<artifactrenderer") {
		return text
	}
	return placeholderRe.ReplaceAllStringFunc(text, func(tok string) string {
		id := placeholderRe.FindStringSubmatch(tok)[1]
		content, metadata, ok := lookup(id)
		if !ok {
			return tok
		}
		var sb strings.Builder
		sb.WriteString(`<artifact id="`)
		sb.WriteString(id)
		sb.WriteString(`"`)
		for _, k := range sortedKeys(metadata) {
			sb.WriteString(" ")
			sb.WriteString(k)
			sb.WriteString(`="`)
			sb.WriteString(metadata[k])
			sb.WriteString(`"`)
		}
		sb.WriteString(">")
		sb.WriteString(content)
		sb.WriteString("</artifact>")
		return sb.String()
	})
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
