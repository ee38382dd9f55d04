package importer

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/loom-chat/loom/pkg/artifacts"
	"github.com/loom-chat/loom/pkg/conversation"
	"github.com/loom-chat/loom/pkg/ids"
)

// Export mirrors the legacy chat export: a mapping of nodes each wrapping a
// message, parent/children edges between them, and a pointer at the leaf of
// the branch that was active when the export was taken.
type Export struct {
	Title       string          `json:"title"`
	CreateTime  float64         `json:"create_time"`
	UpdateTime  float64         `json:"update_time"`
	Mapping     map[string]Node `json:"mapping"`
	CurrentNode string          `json:"current_node"`
}

type Node struct {
	ID       string       `json:"id"`
	Message  *NodeMessage `json:"message"`
	Parent   string       `json:"parent"`
	Children []string     `json:"children"`
}

type NodeMessage struct {
	ID         string                 `json:"id"`
	Author     Author                 `json:"author"`
	CreateTime float64                `json:"create_time"`
	Content    NodeContent            `json:"content"`
	Metadata   map[string]interface{} `json:"metadata"`
	Recipient  string                 `json:"recipient"`
}

type Author struct {
	Role string `json:"role"`
	Name string `json:"name"`
}

// NodeContent carries either plain text parts, a raw code/text payload, or
// multimodal parts (strings mixed with asset pointer objects).
type NodeContent struct {
	ContentType string            `json:"content_type"`
	Parts       []json.RawMessage `json:"parts"`
	Text        string            `json:"text"`
}

// Tool recipients whose call/result/text triplets are recognized and
// compressed into a single assistant version.
const (
	recipientCreateDoc = "canmore.create_textdoc"
	recipientUpdateDoc = "canmore.update_textdoc"
	recipientImageGen  = "dalle.text2im"
)

type importer struct {
	export *Export
	convs  *conversation.Store
	arts   *artifacts.Store
	conv   *conversation.Conversation

	onPath map[string]bool
	// textdoc id or name -> artifact id, so updates version the same artifact
	docArtifacts map[string]string
}

// Import reconstructs a conversation from a legacy export and loads it,
// together with any artifacts recovered from code-authoring triplets, into
// the stores. It returns the id of the new conversation.
func Import(data []byte, convs *conversation.Store, arts *artifacts.Store) (string, error) {
	var ex Export
	if err := json.Unmarshal(data, &ex); err != nil {
		return "", errors.Wrap(err, "parse export")
	}
	for id, n := range ex.Mapping {
		if n.ID == "" {
			n.ID = id
			ex.Mapping[id] = n
		}
	}
	imp := &importer{
		export:       &ex,
		convs:        convs,
		arts:         arts,
		onPath:       map[string]bool{},
		docArtifacts: map[string]string{},
	}
	return imp.run()
}

func (imp *importer) run() (string, error) {
	root := imp.findRoot()
	if root == "" {
		return "", errors.New("export has no root node")
	}
	imp.markPath()

	c := conversation.NewConversation()
	if imp.export.Title != "" {
		c.Title = imp.export.Title
	}
	if t := epochTime(imp.export.CreateTime); !t.IsZero() {
		c.CreatedAt = t
	}
	if t := epochTime(imp.export.UpdateTime); !t.IsZero() {
		c.UpdatedAt = t
	}
	imp.conv = c

	heads := imp.visibleHeads(root)
	if len(heads) > 0 {
		firstID, _ := imp.graft(heads)
		c.FirstMessageID = firstID
	}
	imp.convs.Add(c)
	log.Info().Str("conversation_id", c.ID).Int("messages", len(c.Messages)).
		Msg("imported legacy conversation")
	return c.ID, nil
}

func (imp *importer) findRoot() string {
	for id, n := range imp.export.Mapping {
		if n.Parent == "" {
			return id
		}
	}
	return ""
}

// markPath flags every node between the current node and the root. Versions
// whose node sits on this path become the active ones.
func (imp *importer) markPath() {
	seen := map[string]bool{}
	for id := imp.export.CurrentNode; id != "" && !seen[id]; {
		seen[id] = true
		imp.onPath[id] = true
		id = imp.export.Mapping[id].Parent
	}
}

// visibleHeads resolves a node to the importable units it leads to: the
// node itself when it carries visible content, otherwise the flattened
// heads of its children. Hidden, system and unmatched tool nodes dissolve.
func (imp *importer) visibleHeads(id string) []string {
	if _, ok := imp.buildUnit(id); ok {
		return []string{id}
	}
	var heads []string
	for _, child := range imp.export.Mapping[id].Children {
		heads = append(heads, imp.visibleHeads(child)...)
	}
	return heads
}

func (imp *importer) headsOf(nodeIDs []string) []string {
	var heads []string
	for _, id := range nodeIDs {
		heads = append(heads, imp.visibleHeads(id)...)
	}
	return heads
}

// graft converts a set of sibling heads into one Message whose versions are
// the alternate branches, then recurses down each branch.
func (imp *importer) graft(heads []string) (messageID, activeVersionID string) {
	m := &conversation.Message{ID: ids.New(ids.PrefixMessage)}
	for _, head := range heads {
		u, ok := imp.buildUnit(head)
		if !ok {
			continue
		}
		if m.Role == "" {
			m.Role = u.role
		}
		if u.role != m.Role {
			log.Warn().Str("node_id", head).Msg("skipping sibling with mismatched role")
			continue
		}
		v := &conversation.Version{
			ID:        ids.New(ids.PrefixVersion),
			Content:   u.parts,
			CreatedAt: u.createdAt,
		}
		for _, seed := range u.artifacts {
			imp.plantArtifact(seed)
		}
		if next := imp.headsOf(u.nextIDs); len(next) > 0 {
			v.NextMessageID, v.NextMessageVersionID = imp.graft(next)
		}
		m.Versions = append(m.Versions, v)
		if u.onPath || m.ActiveVersionID == "" {
			m.ActiveVersionID = v.ID
		}
	}
	if len(m.Versions) == 0 {
		return "", ""
	}
	imp.conv.Messages[m.ID] = m
	return m.ID, m.ActiveVersionID
}

// unit is one importable conversation step: a plain message or a compressed
// tool triplet, plus the export nodes that follow it.
type unit struct {
	role      conversation.Role
	parts     []conversation.ContentPart
	artifacts []artifactSeed
	nextIDs   []string
	onPath    bool
	createdAt time.Time
}

type artifactSeed struct {
	id       string
	metadata map[string]string
	content  string
}

func (imp *importer) buildUnit(id string) (unit, bool) {
	n, ok := imp.export.Mapping[id]
	if !ok || n.Message == nil {
		return unit{}, false
	}
	msg := n.Message
	if isHidden(msg) {
		return unit{}, false
	}
	switch msg.Author.Role {
	case "user":
		parts := contentParts(msg.Content)
		if len(parts) == 0 {
			return unit{}, false
		}
		return unit{
			role:      conversation.RoleUser,
			parts:     parts,
			nextIDs:   n.Children,
			onPath:    imp.onPath[id],
			createdAt: epochTime(msg.CreateTime),
		}, true
	case "assistant":
		switch msg.Recipient {
		case "", "all":
			parts := contentParts(msg.Content)
			if len(parts) == 0 {
				return unit{}, false
			}
			return unit{
				role:      conversation.RoleAssistant,
				parts:     parts,
				nextIDs:   n.Children,
				onPath:    imp.onPath[id],
				createdAt: epochTime(msg.CreateTime),
			}, true
		case recipientCreateDoc, recipientUpdateDoc:
			return imp.buildDocTriplet(n)
		case recipientImageGen:
			return imp.buildImageTriplet(n)
		default:
			// unrecognized tool call, dissolve into children
			return unit{}, false
		}
	default:
		// system and stray tool nodes dissolve
		return unit{}, false
	}
}

// docInput is the payload of a code-authoring tool call.
type docInput struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// docResult is what the tool answered with.
type docResult struct {
	TextdocID string `json:"textdoc_id"`
}

// buildDocTriplet compresses call, tool result and trailing assistant text
// into one assistant version, creating an artifact version on the way.
func (imp *importer) buildDocTriplet(n Node) (unit, bool) {
	var input docInput
	if err := json.Unmarshal([]byte(rawText(n.Message.Content)), &input); err != nil {
		log.Warn().Str("node_id", n.ID).Err(err).Msg("unparseable textdoc call, skipping triplet")
		return unit{}, false
	}

	toolNode, ok := imp.childWithRole(n, "tool")
	if !ok {
		return unit{}, false
	}
	var result docResult
	_ = json.Unmarshal([]byte(rawText(toolNode.Message.Content)), &result)

	key := result.TextdocID
	if key == "" {
		key = input.Name
	}
	artID, known := imp.docArtifacts[key]
	if !known {
		artID = ids.New(ids.PrefixArtifact)
		imp.docArtifacts[key] = artID
	}

	seed := artifactSeed{
		id:       artID,
		metadata: docMetadata(input),
		content:  input.Content,
	}

	u := unit{
		role:      conversation.RoleAssistant,
		parts:     []conversation.ContentPart{conversation.TextPart{Text: conversation.ArtifactPlaceholder(artID)}},
		artifacts: []artifactSeed{seed},
		nextIDs:   toolNode.Children,
		onPath:    imp.onPath[n.ID] || imp.onPath[toolNode.ID],
		createdAt: epochTime(n.Message.CreateTime),
	}
	imp.absorbTrailingText(&u, toolNode)
	return u, true
}

// buildImageTriplet compresses an image-generation call, the tool result
// carrying the asset pointer and the trailing assistant text into one
// assistant version.
func (imp *importer) buildImageTriplet(n Node) (unit, bool) {
	toolNode, ok := imp.childWithRole(n, "tool")
	if !ok {
		return unit{}, false
	}
	var parts []conversation.ContentPart
	for _, p := range contentParts(toolNode.Message.Content) {
		if img, ok := p.(conversation.ImagePart); ok {
			parts = append(parts, img)
		}
	}
	if len(parts) == 0 {
		return unit{}, false
	}
	u := unit{
		role:      conversation.RoleAssistant,
		parts:     parts,
		nextIDs:   toolNode.Children,
		onPath:    imp.onPath[n.ID] || imp.onPath[toolNode.ID],
		createdAt: epochTime(n.Message.CreateTime),
	}
	imp.absorbTrailingText(&u, toolNode)
	return u, true
}

// absorbTrailingText merges a directly following plain assistant text node
// into the unit, completing the triplet.
func (imp *importer) absorbTrailingText(u *unit, after Node) {
	for _, childID := range after.Children {
		child, ok := imp.export.Mapping[childID]
		if !ok || child.Message == nil || isHidden(child.Message) {
			continue
		}
		msg := child.Message
		if msg.Author.Role != "assistant" || (msg.Recipient != "" && msg.Recipient != "all") {
			continue
		}
		text := plainText(msg.Content)
		if text == "" {
			continue
		}
		u.parts = appendText(u.parts, "\n\n"+text)
		u.nextIDs = child.Children
		u.onPath = u.onPath || imp.onPath[childID]
		return
	}
}

func (imp *importer) childWithRole(n Node, role string) (Node, bool) {
	for _, id := range n.Children {
		child, ok := imp.export.Mapping[id]
		if !ok || child.Message == nil {
			continue
		}
		if child.Message.Author.Role == role {
			return child, true
		}
	}
	return Node{}, false
}

func (imp *importer) plantArtifact(seed artifactSeed) {
	imp.arts.StartArtifact(imp.conv.ID, seed.id, seed.metadata)
	imp.arts.AppendContent(imp.conv.ID, seed.id, seed.content)
	imp.arts.Complete(imp.conv.ID, seed.id)
}

func isHidden(msg *NodeMessage) bool {
	v, ok := msg.Metadata["is_visually_hidden_from_conversation"].(bool)
	return ok && v
}

// contentParts converts legacy content into content parts: strings become
// text, asset pointers become images, everything else is dropped.
func contentParts(c NodeContent) []conversation.ContentPart {
	var parts []conversation.ContentPart
	for _, raw := range c.Parts {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if strings.TrimSpace(s) != "" {
				parts = appendText(parts, s)
			}
			continue
		}
		var ptr struct {
			ContentType  string `json:"content_type"`
			AssetPointer string `json:"asset_pointer"`
		}
		if err := json.Unmarshal(raw, &ptr); err == nil && ptr.AssetPointer != "" {
			parts = append(parts, conversation.ImagePart{URL: ptr.AssetPointer})
		}
	}
	if len(parts) == 0 && strings.TrimSpace(c.Text) != "" {
		parts = append(parts, conversation.TextPart{Text: c.Text})
	}
	return parts
}

// plainText extracts only the string parts.
func plainText(c NodeContent) string {
	var sb strings.Builder
	for _, raw := range c.Parts {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			sb.WriteString(s)
		}
	}
	if sb.Len() == 0 {
		return c.Text
	}
	return sb.String()
}

// rawText returns the tool-call payload: content_type "code" keeps it in
// the text field, older exports put it in the first part.
func rawText(c NodeContent) string {
	if c.Text != "" {
		return c.Text
	}
	return plainText(c)
}

func appendText(parts []conversation.ContentPart, s string) []conversation.ContentPart {
	if n := len(parts); n > 0 {
		if t, ok := parts[n-1].(conversation.TextPart); ok {
			parts[n-1] = conversation.TextPart{Text: t.Text + s}
			return parts
		}
	}
	return append(parts, conversation.TextPart{Text: s})
}

func docMetadata(input docInput) map[string]string {
	md := map[string]string{artifacts.MetaTitle: input.Name}
	switch {
	case strings.HasPrefix(input.Type, "code/"):
		md[artifacts.MetaType] = "code"
		md[artifacts.MetaLanguage] = strings.TrimPrefix(input.Type, "code/")
		md[artifacts.MetaFilename] = input.Name
	case input.Type == "code":
		md[artifacts.MetaType] = "code"
		md[artifacts.MetaFilename] = input.Name
	default:
		md[artifacts.MetaType] = "text"
	}
	return md
}

func epochTime(sec float64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0)
}
