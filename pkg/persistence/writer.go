package persistence

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/loom-chat/loom/pkg/artifacts"
	"github.com/loom-chat/loom/pkg/conversation"
)

// Writer flushes conversation snapshots to a Store in the background.
// Persist never blocks on IO: it captures a snapshot and parks it in a
// per-conversation slot where a newer capture overwrites an unflushed one.
// Failures are logged and dropped; the in-memory stores stay authoritative.
type Writer struct {
	store         Store
	conversations *conversation.Store
	artifacts     *artifacts.Store

	mu      sync.Mutex
	pending map[string]*Snapshot
	kick    chan struct{}
	quit    chan struct{}
	done    chan struct{}
}

func NewWriter(store Store, convs *conversation.Store, arts *artifacts.Store) *Writer {
	w := &Writer{
		store:         store,
		conversations: convs,
		artifacts:     arts,
		pending:       map[string]*Snapshot{},
		kick:          make(chan struct{}, 1),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go w.loop()
	return w
}

// Persist schedules a flush of the conversation's current state.
func (w *Writer) Persist(conversationID string) {
	c, ok := w.conversations.Get(conversationID)
	if !ok {
		log.Warn().Str("conversation_id", conversationID).Msg("persist of unknown conversation")
		return
	}
	snap := Capture(c, w.artifacts)
	w.mu.Lock()
	w.pending[conversationID] = snap
	w.mu.Unlock()
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Close flushes everything still pending and stops the background loop.
func (w *Writer) Close() {
	close(w.quit)
	<-w.done
}

func (w *Writer) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.kick:
			w.drain()
		case <-w.quit:
			w.drain()
			return
		}
	}
}

func (w *Writer) drain() {
	for {
		snap := w.take()
		if snap == nil {
			return
		}
		if err := w.store.Save(snap); err != nil {
			log.Warn().Err(err).Str("conversation_id", snap.ID).Msg("snapshot write failed")
		}
	}
}

func (w *Writer) take() *Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, snap := range w.pending {
		delete(w.pending, id)
		return snap
	}
	return nil
}

// LoadAll restores every stored conversation into the stores.
func LoadAll(store Store, convs *conversation.Store, arts *artifacts.Store) error {
	ids, err := store.List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		snap, err := store.Load(id)
		if err != nil {
			log.Warn().Err(err).Str("conversation_id", id).Msg("skipping unreadable snapshot")
			continue
		}
		snap.Restore(convs, arts)
	}
	return nil
}
