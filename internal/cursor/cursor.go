// Package cursor tracks how far the relay has read the update stream.
package cursor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"notibot/internal/domain"
	"notibot/internal/store"
)

// Cursor holds the next poll offset and the newest handled message id.
// Both only move forward, and every change is persisted before it is
// visible to callers.
type Cursor struct {
	store  store.Store
	logger *slog.Logger

	mu    sync.Mutex
	state domain.Cursor
}

func New(s store.Store, logger *slog.Logger) *Cursor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cursor{store: s, logger: logger}
}

// Load replaces the in-memory position with the persisted one.
func (c *Cursor) Load(ctx context.Context) error {
	st, err := c.store.LoadCursor(ctx)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	c.logger.Info("cursor loaded", "offset", st.LastUpdateOffset, "last_message_id", st.LastMessageID)
	return nil
}

// NextPollOffset is the exclusive lower bound for the next fetch.
func (c *Cursor) NextPollOffset() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.LastUpdateOffset
}

// AdvancePast moves the poll offset to updateID+1. An id below the current
// offset leaves the cursor unchanged.
func (c *Cursor) AdvancePast(ctx context.Context, updateID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.state
	if updateID+1 <= next.LastUpdateOffset {
		return nil
	}
	next.LastUpdateOffset = updateID + 1
	if err := c.store.SaveCursor(ctx, next); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	c.state = next
	return nil
}

// ShouldProcessMessage reports whether messageID is newer than anything
// handled so far.
func (c *Cursor) ShouldProcessMessage(messageID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return messageID > c.state.LastMessageID
}

// RecordProcessed persists messageID as handled. Callers record before
// acting so a restart never repeats a side effect.
func (c *Cursor) RecordProcessed(ctx context.Context, messageID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if messageID <= c.state.LastMessageID {
		return nil
	}
	next := c.state
	next.LastMessageID = messageID
	if err := c.store.SaveCursor(ctx, next); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	c.state = next
	return nil
}

func (c *Cursor) Snapshot() domain.Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
