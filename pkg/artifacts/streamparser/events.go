package streamparser

// Event is the closed sum emitted by the parser. The concatenation of all
// ChunkEvent contents for a given artifact id equals the exact byte sequence
// between that artifact's open and close tags.
type Event interface {
	isParserEvent()
}

// TextEvent carries free text outside any artifact region.
type TextEvent struct {
	Content string
}

// OpenEvent is emitted exactly once per recognized open tag. Metadata holds
// every attribute of the tag verbatim, known or not.
type OpenEvent struct {
	ID       string
	Metadata map[string]string
}

// ChunkEvent carries a slice of artifact content. Chunks may be coalesced
// but are never reordered and never split a UTF-8 sequence.
type ChunkEvent struct {
	ID      string
	Content string
}

// CloseEvent is emitted when the close tag is recognized.
type CloseEvent struct {
	ID string
}

func (TextEvent) isParserEvent()  {}
func (OpenEvent) isParserEvent()  {}
func (ChunkEvent) isParserEvent() {}
func (CloseEvent) isParserEvent() {}
