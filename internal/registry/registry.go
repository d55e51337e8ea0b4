// Package registry maps group titles to destination chat ids.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"notibot/internal/domain"
	"notibot/internal/store"
)

// Registry is the in-memory group cache. It is loaded once from the store
// and written through on every registration; it never re-reads the store.
//
// Titles are matched exactly. A second chat with an already known title is
// ignored, so the first registrant keeps the name.
type Registry struct {
	store  store.Store
	logger *slog.Logger

	mu     sync.RWMutex
	loaded bool
	ids    map[string]int64
	order  []domain.Group
}

func New(s store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  s,
		logger: logger,
		ids:    make(map[string]int64),
	}
}

// Load reads the group set from the store. Only the first successful call
// does any work.
func (r *Registry) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return nil
	}

	groups, err := r.store.LoadGroups(ctx)
	if err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	for _, g := range groups {
		if _, ok := r.ids[g.Name]; ok {
			continue
		}
		r.ids[g.Name] = g.ID
		r.order = append(r.order, g)
	}
	r.loaded = true
	r.logger.Info("group registry loaded", "groups", len(r.order))
	return nil
}

func (r *Registry) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// Observe registers the update's chat if it is a group or supergroup with a
// title not seen before. It returns the new record, or nil when nothing changed.
func (r *Registry) Observe(ctx context.Context, u domain.Update) (*domain.Group, error) {
	if u.Message == nil || u.Message.Chat == nil {
		return nil, nil
	}
	chat := u.Message.Chat
	if !chat.Kind.IsGroup() {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if known, ok := r.ids[chat.Title]; ok {
		if known != chat.ID {
			r.logger.Debug("group title already registered to another chat",
				"group", chat.Title, "known_id", known, "chat_id", chat.ID)
		}
		return nil, nil
	}

	g := domain.Group{Name: chat.Title, ID: chat.ID}
	next := make([]domain.Group, len(r.order), len(r.order)+1)
	copy(next, r.order)
	next = append(next, g)

	if err := r.store.SaveGroups(ctx, next); err != nil {
		return nil, fmt.Errorf("save groups: %w", err)
	}
	r.ids[g.Name] = g.ID
	r.order = next

	r.logger.Info("new group registered", "group", g.Name, "chat_id", g.ID, "kind", chat.Kind)
	return &g, nil
}

// Resolve returns the destination id registered for name.
func (r *Registry) Resolve(name string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ids[name]
	return id, ok
}

// Groups returns the registered groups in registration order.
func (r *Registry) Groups() []domain.Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Group, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
