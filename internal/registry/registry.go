// Package registry holds the process-local cache of active workspaces:
// which provider instances and models each workspace may use, bounded by
// the lifetime of that workspace's event subscription. The control-event
// handler is the single writer; everything else only reads snapshots.
package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"modelpool/pkg/types"
)

// Entry is the cached state of one active workspace.
type Entry struct {
	WorkspaceID    string
	Version        int
	Providers      []types.InstanceConfig
	LanguageModels []types.LanguageModel
	LastUpdate     time.Time
}

// entry couples the cached state with the subscription teardown handle.
type entry struct {
	Entry
	stop func()
}

// Registry is the workspace cache. Mutations go through Activate, Update
// and Remove only.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	log     zerolog.Logger
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		log:     log.With().Str("component", "registry").Logger(),
	}
}

// Active reports whether the workspace currently has a cache entry.
func (r *Registry) Active(workspaceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[workspaceID]
	return ok
}

// Activate transitions a workspace to active, storing its provider and
// model lists and the subscription teardown func. A duplicate activation
// replaces the lists wholesale and keeps the original subscription; the
// redundant stop func is invoked so nothing leaks.
func (r *Registry) Activate(ev types.StartEmbeddingEvent, stop func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[ev.WorkspaceID]; ok {
		existing.Version = ev.Version
		existing.Providers = ev.Providers
		existing.LanguageModels = ev.LanguageModels
		existing.LastUpdate = time.Now()
		if stop != nil {
			stop()
		}
		r.log.Debug().Str("workspace", ev.WorkspaceID).Msg("duplicate activation, entry replaced")
		return
	}

	r.entries[ev.WorkspaceID] = &entry{
		Entry: Entry{
			WorkspaceID:    ev.WorkspaceID,
			Version:        ev.Version,
			Providers:      ev.Providers,
			LanguageModels: ev.LanguageModels,
			LastUpdate:     time.Now(),
		},
		stop: stop,
	}
	r.log.Info().Str("workspace", ev.WorkspaceID).Int("version", ev.Version).
		Int("providers", len(ev.Providers)).Int("models", len(ev.LanguageModels)).
		Msg("workspace activated")
}

// Update replaces an active workspace's lists wholesale. Updates for
// unknown workspaces are dropped with a warning and reported false.
func (r *Registry) Update(ev types.RegistryUpdateEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.entries[ev.WorkspaceID]
	if !ok {
		r.log.Warn().Str("workspace", ev.WorkspaceID).Msg("registry update for unknown workspace dropped")
		return false
	}
	existing.Version = ev.Version
	existing.Providers = ev.Providers
	existing.LanguageModels = ev.LanguageModels
	existing.LastUpdate = time.Now()
	return true
}

// Get returns a snapshot of the workspace's entry.
func (r *Registry) Get(workspaceID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[workspaceID]
	if !ok {
		return Entry{}, false
	}
	return e.Entry, true
}

// ModelFor finds the workspace's language model matching name and provider,
// used to validate embedding requests against the cached registry.
func (r *Registry) ModelFor(workspaceID, name string, provider types.ProviderType) (types.LanguageModel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[workspaceID]
	if !ok {
		return types.LanguageModel{}, false
	}
	for _, m := range e.LanguageModels {
		if m.Name == name && m.Provider == provider {
			return m, true
		}
	}
	return types.LanguageModel{}, false
}

// Remove transitions a workspace to absent, closing its subscription.
// Removing an absent workspace is a no-op.
func (r *Registry) Remove(workspaceID string) {
	r.mu.Lock()
	e, ok := r.entries[workspaceID]
	if ok {
		delete(r.entries, workspaceID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if e.stop != nil {
		e.stop()
	}
	r.log.Info().Str("workspace", workspaceID).Msg("workspace deactivated")
}

// CleanupAll tears down every active subscription and clears the cache.
// Used at process shutdown.
func (r *Registry) CleanupAll() {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for id, e := range entries {
		if e.stop != nil {
			e.stop()
		}
		r.log.Debug().Str("workspace", id).Msg("subscription closed")
	}
}

// Workspaces lists the ids of all active workspaces.
func (r *Registry) Workspaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}
