// Package cluster tracks a pool of serving instances: per-instance resource
// accounting, TTL-cached probing, cluster-wide aggregation and admission
// controlled instance selection.
package cluster

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"modelpool/internal/classify"
	"modelpool/internal/gate"
	"modelpool/internal/ollama"
	"modelpool/pkg/types"
)

// Config tunes the manager. Zero values fall back to defaults.
type Config struct {
	ReserveFraction float64
	Estimator       Estimator
	// Cache TTLs per probe kind. A manual Refresh bypasses all of them.
	StatusTTL time.Duration
	ModelsTTL time.Duration
	LoadTTL   time.Duration
}

const (
	defaultStatusTTL = 10 * time.Second
	defaultModelsTTL = 5 * time.Minute
	defaultLoadTTL   = 60 * time.Second
)

// instanceState is the cached view of one instance. Each probe section
// carries its own timestamp so sections expire independently.
type instanceState struct {
	config types.InstanceConfig

	statusAt     time.Time
	available    bool
	version      string
	responseTime time.Duration
	lastErr      error

	modelsAt time.Time
	models   []ollama.TagModel

	loadAt     time.Time
	running    []ollama.PSModel
	usedMemory int64

	gates map[string]*gate.Gate // keyed by model name
}

// Manager owns the instance pool. All mutable state lives behind mu; probe
// round trips happen outside the lock.
type Manager struct {
	mu         sync.RWMutex
	cfg        Config
	accountant *Accountant
	poller     *Poller
	client     *ollama.Client
	instances  map[string]*instanceState
	order      []string
	log        zerolog.Logger
}

// New returns a Manager probing instances through client.
func New(client *ollama.Client, cfg Config) *Manager {
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = defaultStatusTTL
	}
	if cfg.ModelsTTL <= 0 {
		cfg.ModelsTTL = defaultModelsTTL
	}
	if cfg.LoadTTL <= 0 {
		cfg.LoadTTL = defaultLoadTTL
	}
	return &Manager{
		cfg:        cfg,
		accountant: NewAccountant(cfg.ReserveFraction, cfg.Estimator),
		poller:     NewPoller(client),
		client:     client,
		instances:  make(map[string]*instanceState),
		log:        log.With().Str("component", "cluster").Logger(),
	}
}

// SetInstances replaces the instance list wholesale. State and admission
// gates of instances whose id survives are kept; removed instances are
// dropped together with their gates.
func (m *Manager) SetInstances(configs []types.InstanceConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]*instanceState, len(configs))
	order := make([]string, 0, len(configs))
	for _, cfg := range configs {
		if st, ok := m.instances[cfg.ID]; ok {
			st.config = cfg
			next[cfg.ID] = st
		} else {
			next[cfg.ID] = &instanceState{config: cfg, gates: make(map[string]*gate.Gate)}
		}
		order = append(order, cfg.ID)
	}
	for id := range m.instances {
		if _, ok := next[id]; !ok {
			m.log.Info().Str("instance", id).Msg("instance removed from pool")
		}
	}
	m.instances = next
	m.order = order
}

// Instances returns the configured instance list in registration order.
func (m *Manager) Instances() []types.InstanceConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.InstanceConfig, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.instances[id].config)
	}
	return out
}

// refresh polls every instance whose cached sections are stale; force
// bypasses the TTLs. Round trips run concurrently outside the lock.
func (m *Manager) refresh(ctx context.Context, force bool) {
	m.mu.RLock()
	now := time.Now()
	var stale []types.InstanceConfig
	for _, id := range m.order {
		st := m.instances[id]
		if force ||
			now.Sub(st.statusAt) > m.cfg.StatusTTL ||
			now.Sub(st.modelsAt) > m.cfg.ModelsTTL ||
			now.Sub(st.loadAt) > m.cfg.LoadTTL {
			stale = append(stale, st.config)
		}
	}
	m.mu.RUnlock()
	if len(stale) == 0 {
		return
	}

	results := m.poller.PollAll(ctx, stale)

	m.mu.Lock()
	defer m.mu.Unlock()
	now = time.Now()
	for _, res := range results {
		st, ok := m.instances[res.Instance.ID]
		if !ok {
			continue // removed while polling
		}
		st.statusAt = now
		st.available = res.Available
		st.responseTime = res.ResponseTime
		st.lastErr = res.Err
		if !res.Available {
			st.version = ""
			st.models = nil
			st.running = nil
			st.usedMemory = 0
			st.modelsAt = now
			st.loadAt = now
			continue
		}
		if res.Version != "" {
			st.version = res.Version
		}
		if res.ModelsOK {
			st.models = res.Models
			st.modelsAt = now
		}
		if res.LoadOK {
			st.running = res.Running
			st.usedMemory = res.UsedMemory
			st.loadAt = now
		}
	}
}

// Refresh forces a full re-poll of every instance, bypassing cache TTLs.
func (m *Manager) Refresh(ctx context.Context) {
	m.refresh(ctx, true)
}

// Snapshot rebuilds the aggregated cluster view. Totals sum over available
// instances only; unavailable instances still appear with their error.
func (m *Manager) Snapshot(ctx context.Context) types.ClusterStatus {
	m.refresh(ctx, false)

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := types.ClusterStatus{
		Instances:   make([]types.InstanceStatus, 0, len(m.order)),
		LastUpdated: time.Now(),
	}
	bestScore := 0.0
	for _, id := range m.order {
		st := m.instances[id]
		is := types.InstanceStatus{
			ID:              st.config.ID,
			URL:             st.config.URL,
			Type:            st.config.Type,
			Available:       st.available,
			ResponseTimeMs:  st.responseTime.Milliseconds(),
			Version:         st.version,
			RunningModels:   make([]types.RunningModel, 0, len(st.running)),
			AvailableModels: make([]types.ModelInfo, 0, len(st.models)),
		}
		if st.lastErr != nil {
			is.Error = st.lastErr.Error()
		}
		for _, rm := range st.running {
			mem := rm.SizeVRAM
			if mem == 0 {
				mem = rm.Size
			}
			is.RunningModels = append(is.RunningModels, types.RunningModel{
				Name:        rm.Name,
				Size:        rm.Size,
				MemoryUsage: mem,
				ExpiresAt:   rm.ExpiresAt,
			})
		}
		for _, tm := range st.models {
			mi := types.ModelInfo{
				Name:         tm.Name,
				Size:         tm.Size,
				Digest:       tm.Digest,
				Capabilities: classify.Capabilities(tm.Name),
			}
			if tm.Details != nil {
				mi.ParameterSize = tm.Details.ParameterSize
				mi.QuantizationLevel = tm.Details.QuantizationLevel
				mi.Family = tm.Details.Family
			}
			is.AvailableModels = append(is.AvailableModels, mi)
		}
		for _, g := range st.gates {
			is.CurrentConcurrency += g.InUse()
			is.QueueLength += g.QueueLen()
		}
		if st.available {
			usage := m.accountant.Usage(st.config.TotalMemory, st.usedMemory, "")
			is.ResourceUsage = &usage
			is.LoadScore = LoadScore(usage)

			out.AvailableInstances++
			out.TotalMemory += usage.TotalMemory
			out.TotalUsedMemory += usage.UsedMemory
			out.TotalMaxConcurrency += usage.MaxConcurrency
			if st.lastErr == nil {
				out.HealthyInstances++
			}
			if out.BestInstanceID == "" || is.LoadScore < bestScore {
				bestScore = is.LoadScore
				out.BestInstanceID = st.config.ID
			}
		}
		out.Instances = append(out.Instances, is)
	}
	out.TotalInstances = len(out.Instances)
	return out
}

// gateForLocked returns the admission gate for (instance, model), creating
// or resizing it to the given capacity. Caller holds mu.
func (m *Manager) gateForLocked(st *instanceState, model string, capacity int) *gate.Gate {
	g, ok := st.gates[model]
	if !ok {
		g = gate.New(capacity)
		st.gates[model] = g
		m.log.Debug().Str("instance", st.config.ID).Str("model", model).
			Int("max_concurrency", capacity).Msg("admission gate created")
		return g
	}
	g.Resize(capacity)
	return g
}

// Admit selects the least-loaded available instance that serves the model
// with the given capability, sizes its admission gate from current resource
// numbers and blocks until a permit is granted. The release func must be
// called exactly once when the request finishes.
func (m *Manager) Admit(ctx context.Context, model, capability string) (types.InstanceConfig, func(), error) {
	if capability != "" {
		found := false
		for _, c := range classify.Capabilities(model) {
			if c == capability {
				found = true
				break
			}
		}
		if !found {
			return types.InstanceConfig{}, nil, ErrNoInstance(model)
		}
	}

	m.refresh(ctx, false)

	type candidate struct {
		cfg      types.InstanceConfig
		g        *gate.Gate
		queueLen int
		score    float64
	}

	m.mu.Lock()
	var candidates []candidate
	for _, id := range m.order {
		st := m.instances[id]
		if !st.available {
			continue
		}
		serves := false
		for _, tm := range st.models {
			if tm.Name == model {
				serves = true
				break
			}
		}
		if !serves {
			continue
		}
		usage := m.accountant.Usage(st.config.TotalMemory, st.usedMemory, model)
		g := m.gateForLocked(st, model, usage.MaxConcurrency)
		candidates = append(candidates, candidate{
			cfg:      st.config,
			g:        g,
			queueLen: g.QueueLen(),
			score:    LoadScore(usage),
		})
	}
	m.mu.Unlock()

	if len(candidates) == 0 {
		return types.InstanceConfig{}, nil, ErrNoInstance(model)
	}

	// Fewest queued waiters first, then lowest load score.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].queueLen != candidates[j].queueLen {
			return candidates[i].queueLen < candidates[j].queueLen
		}
		return candidates[i].score < candidates[j].score
	})
	best := candidates[0]

	if err := best.g.Acquire(ctx); err != nil {
		return types.InstanceConfig{}, nil, err
	}
	return best.cfg, best.g.Release, nil
}

// Unload asks an instance to evict a loaded model, reclaiming memory.
// Unloading a model that is not loaded is a no-op success.
func (m *Manager) Unload(ctx context.Context, instanceID, model string) error {
	m.mu.RLock()
	st, ok := m.instances[instanceID]
	if !ok {
		m.mu.RUnlock()
		return ErrInstanceNotFound(instanceID)
	}
	cfg := st.config
	loaded := false
	for _, rm := range st.running {
		if rm.Name == model {
			loaded = true
			break
		}
	}
	m.mu.RUnlock()

	if !loaded {
		return nil
	}
	if err := m.client.Unload(ctx, cfg, model); err != nil {
		return err
	}
	// Load numbers changed; expire the cache so the next poll sees it.
	m.mu.Lock()
	if st, ok := m.instances[instanceID]; ok {
		st.loadAt = time.Time{}
	}
	m.mu.Unlock()
	return nil
}

// AvailableModelNames returns the sorted union of model names across all
// available instances.
func (m *Manager) AvailableModelNames(ctx context.Context) []string {
	m.refresh(ctx, false)

	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, st := range m.instances {
		if !st.available {
			continue
		}
		for _, tm := range st.models {
			seen[tm.Name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
