package streamparser

import (
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/loom-chat/loom/pkg/ids"
)

const (
	openTagName  = "<artifact"
	closeTag     = "</artifact>"
	attrID       = "id"
	// a tag prefix held across feeds longer than this is given up on and
	// replayed as plain text
	maxTagLen = 4096

	defaultCoalesceBytes = 32
)

// Parser is an incremental, restartable extractor of <artifact …> regions
// from a character stream of arbitrary chunking. Feed and Flush are pure
// functions over the internal buffers; all I/O lives with the caller.
//
// The parser never fails: byte sequences that do not match the tag grammar
// pass through as text (outside) or content (inside), and an unterminated
// artifact at end of stream is reported via IsIncomplete, not as an error.
type Parser struct {
	inside    bool
	currentID string

	// carry holds bytes that may be the prefix of a tag (or a trailing
	// partial UTF-8 sequence) split across feeds
	carry string
	// contentBuf coalesces artifact content between ChunkEvents
	contentBuf strings.Builder

	coalesceBytes int
}

type Option func(*Parser)

// WithResumeArtifact starts the parser inside the given artifact, as though
// the open tag had already fired in a previous turn. No OpenEvent is
// synthesized for it.
func WithResumeArtifact(id string) Option {
	return func(p *Parser) {
		if id == "" {
			return
		}
		p.inside = true
		p.currentID = id
	}
}

// WithCoalesceBytes overrides the content coalescing threshold.
func WithCoalesceBytes(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.coalesceBytes = n
		}
	}
}

func New(opts ...Option) *Parser {
	p := &Parser{
		coalesceBytes: defaultCoalesceBytes,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// IsIncomplete reports whether the stream ended while inside an artifact
// region. Meaningful after Flush.
func (p *Parser) IsIncomplete() bool {
	return p.inside
}

// IncompleteArtifactID returns the id of the unterminated artifact, or the
// empty string.
func (p *Parser) IncompleteArtifactID() string {
	if !p.inside {
		return ""
	}
	return p.currentID
}

// Feed consumes the next chunk and returns the events it completes. Bytes
// that could be the prefix of a tag are held until the next Feed or Flush.
func (p *Parser) Feed(chunk string) []Event {
	if chunk == "" {
		return nil
	}
	data := p.carry + chunk
	p.carry = ""
	return p.scan(data)
}

// Flush drains every held byte. Held tag prefixes are replayed as text or
// content since no further data will arrive; buffered artifact content is
// emitted as a final chunk.
func (p *Parser) Flush() []Event {
	var evs []Event

	if p.carry != "" {
		held := p.carry
		p.carry = ""
		if p.inside {
			p.contentBuf.WriteString(held)
		} else {
			evs = append(evs, TextEvent{Content: held})
		}
	}
	if p.contentBuf.Len() > 0 {
		evs = append(evs, ChunkEvent{ID: p.currentID, Content: p.contentBuf.String()})
		p.contentBuf.Reset()
	}
	if p.inside {
		log.Debug().Str("artifact_id", p.currentID).Msg("stream ended inside artifact")
	}
	return evs
}

func (p *Parser) scan(data string) []Event {
	var evs []Event
	var text strings.Builder

	flushText := func() {
		if text.Len() > 0 {
			evs = append(evs, TextEvent{Content: text.String()})
			text.Reset()
		}
	}
	flushContent := func() {
		if p.contentBuf.Len() > 0 {
			evs = append(evs, ChunkEvent{ID: p.currentID, Content: p.contentBuf.String()})
			p.contentBuf.Reset()
		}
	}
	emit := func(s string) {
		if s == "" {
			return
		}
		if p.inside {
			p.contentBuf.WriteString(s)
			if p.contentBuf.Len() >= p.coalesceBytes {
				flushContent()
			}
		} else {
			text.WriteString(s)
		}
	}

	i := 0
	for i < len(data) {
		lt := strings.IndexByte(data[i:], '<')
		if lt < 0 {
			p.emitTail(data[i:], emit)
			break
		}
		emit(data[i : i+lt])
		j := i + lt

		if p.inside {
			n, st := matchCloseTag(data[j:])
			switch st {
			case matchYes:
				flushContent()
				evs = append(evs, CloseEvent{ID: p.currentID})
				p.inside = false
				p.currentID = ""
				i = j + n
			case matchPartial:
				p.carry = data[j:]
				i = len(data)
			default:
				emit("<")
				i = j + 1
			}
			continue
		}

		attrs, n, st := matchOpenTag(data[j:])
		switch st {
		case matchYes:
			flushText()
			id := attrs[attrID]
			if id == "" {
				id = ids.New(ids.PrefixArtifact)
			}
			delete(attrs, attrID)
			p.inside = true
			p.currentID = id
			evs = append(evs, OpenEvent{ID: id, Metadata: attrs})
			i = j + n
		case matchPartial:
			p.carry = data[j:]
			i = len(data)
		default:
			emit("<")
			i = j + 1
		}
	}

	flushText()
	return evs
}

// emitTail emits a run of bytes that reaches the end of the feed, holding
// back a trailing partial UTF-8 sequence so a multi-byte character split
// across chunks is never emitted in halves.
func (p *Parser) emitTail(s string, emit func(string)) {
	keep, hold := splitTrailingPartialRune(s)
	emit(keep)
	p.carry = hold
}

// splitTrailingPartialRune splits s so that hold contains an incomplete
// UTF-8 sequence at the very end of s, if any.
func splitTrailingPartialRune(s string) (keep, hold string) {
	n := len(s)
	if n == 0 {
		return s, ""
	}
	// find the start of the last rune, at most 4 bytes back
	start := n - 1
	for start > 0 && n-start < utf8.UTFMax && !utf8.RuneStart(s[start]) {
		start--
	}
	if !utf8.RuneStart(s[start]) {
		// continuation bytes all the way; nothing sensible to hold
		return s, ""
	}
	if s[start] < utf8.RuneSelf {
		return s, ""
	}
	if utf8.FullRuneInString(s[start:]) {
		return s, ""
	}
	return s[:start], s[start:]
}

type matchStatus int

const (
	matchNo matchStatus = iota
	matchPartial
	matchYes
)

// matchCloseTag tests whether s (beginning with '<') is, or could become,
// the close tag. Case-insensitive.
func matchCloseTag(s string) (int, matchStatus) {
	if len(s) >= len(closeTag) {
		if strings.EqualFold(s[:len(closeTag)], closeTag) {
			return len(closeTag), matchYes
		}
		return 0, matchNo
	}
	if strings.EqualFold(s, closeTag[:len(s)]) {
		return 0, matchPartial
	}
	return 0, matchNo
}

// matchOpenTag tests whether s (beginning with '<') is, or could become, an
// open tag. On matchYes it returns the parsed attributes and the tag length.
// Any grammar violation yields matchNo so the bytes fall through as text.
func matchOpenTag(s string) (map[string]string, int, matchStatus) {
	if len(s) < len(openTagName) {
		if strings.EqualFold(s, openTagName[:len(s)]) {
			return nil, 0, matchPartial
		}
		return nil, 0, matchNo
	}
	if !strings.EqualFold(s[:len(openTagName)], openTagName) {
		return nil, 0, matchNo
	}

	i := len(openTagName)
	if i >= len(s) {
		// chunk ends exactly at the tag name; more bytes may follow
		return nil, 0, partialOrGiveUp(s)
	}
	if s[i] != '>' && !isSpace(s[i]) {
		// e.g. "<artifacts": not our tag
		return nil, 0, matchNo
	}

	attrs := map[string]string{}
	for {
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		if i >= len(s) {
			return nil, 0, partialOrGiveUp(s)
		}
		if s[i] == '>' {
			return attrs, i + 1, matchYes
		}

		nameStart := i
		for i < len(s) && isNameChar(s[i]) {
			i++
		}
		if i == nameStart {
			return nil, 0, matchNo
		}
		if i >= len(s) {
			return nil, 0, partialOrGiveUp(s)
		}
		name := s[nameStart:i]

		if s[i] != '=' {
			return nil, 0, matchNo
		}
		i++
		if i >= len(s) {
			return nil, 0, partialOrGiveUp(s)
		}
		if s[i] != '"' {
			return nil, 0, matchNo
		}
		i++
		valStart := i
		for i < len(s) && s[i] != '"' {
			i++
		}
		if i >= len(s) {
			return nil, 0, partialOrGiveUp(s)
		}
		// last occurrence of a duplicated attribute wins
		attrs[name] = s[valStart:i]
		i++
	}
}

func partialOrGiveUp(s string) matchStatus {
	if len(s) > maxTagLen {
		return matchNo
	}
	return matchPartial
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isNameChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') || c == '_' || c == '-'
}
