// Package worker wires the event bus, workspace registry and embedding
// pipeline together: control events activate workspaces, file-embedding
// requests run pipelines on a bounded worker pool, and completion events
// are published back to the bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"modelpool/internal/bus"
	"modelpool/internal/cluster"
	"modelpool/internal/pipeline"
	"modelpool/internal/provider"
	"modelpool/internal/registry"
	"modelpool/pkg/types"
)

// Source opens the markdown text of a file referenced by an embedding
// request.
type Source interface {
	Open(ctx context.Context, ev types.EmbeddingRequestEvent) (io.ReadCloser, error)
}

// Config tunes the worker.
type Config struct {
	// ID names the durable consumers this worker owns.
	ID string
	// PoolSize bounds concurrently running pipelines.
	// Defaults to half the CPU count, minimum 1.
	PoolSize int
}

// Worker is the event-driven embedding worker.
type Worker struct {
	cfg       Config
	bus       *bus.Bus
	registry  *registry.Registry
	providers *provider.Registry
	clusterMg *cluster.Manager
	store     pipeline.Store
	source    Source
	pool      *ants.Pool
	log       zerolog.Logger

	controlSubs []*bus.Subscription
}

// New builds a Worker. The cluster manager may be nil when no local
// instance pool is managed by this process.
func New(cfg Config, b *bus.Bus, reg *registry.Registry, providers *provider.Registry, clusterMg *cluster.Manager, store pipeline.Store, source Source) (*Worker, error) {
	if cfg.ID == "" {
		cfg.ID = "modelpool-worker"
	}
	if cfg.PoolSize < 1 {
		cfg.PoolSize = runtime.NumCPU() / 2
		if cfg.PoolSize < 1 {
			cfg.PoolSize = 1
		}
	}
	pool, err := ants.NewPool(cfg.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	return &Worker{
		cfg:       cfg,
		bus:       b,
		registry:  reg,
		providers: providers,
		clusterMg: clusterMg,
		store:     store,
		source:    source,
		pool:      pool,
		log:       log.With().Str("component", "worker").Str("worker_id", cfg.ID).Logger(),
	}, nil
}

// Watch subscribes to the control events of the given workspaces. Data
// subscriptions open and close as start/stop events arrive.
func (w *Worker) Watch(ctx context.Context, workspaceIDs []string) error {
	for _, id := range workspaceIDs {
		subs := []struct {
			event   types.EventType
			handler func(data []byte) error
		}{
			{types.EventStartEmbedding, func(data []byte) error { return w.handleStart(ctx, data) }},
			{types.EventStopEmbedding, func(data []byte) error { return w.handleStop(data) }},
			{types.EventRegistryUpdate, func(data []byte) error { return w.handleRegistryUpdate(data) }},
		}
		for _, s := range subs {
			sub, err := w.bus.Subscribe(ctx, id, s.event, w.cfg.ID+"-"+string(s.event), s.handler)
			if err != nil {
				return fmt.Errorf("failed to watch workspace %s: %w", id, err)
			}
			w.controlSubs = append(w.controlSubs, sub)
		}
		w.log.Info().Str("workspace", id).Msg("watching workspace control events")
	}
	return nil
}

// Close tears down every subscription and the worker pool.
func (w *Worker) Close() {
	w.registry.CleanupAll()
	for _, sub := range w.controlSubs {
		sub.Stop()
	}
	w.controlSubs = nil
	w.pool.Release()
}

func (w *Worker) handleStart(ctx context.Context, data []byte) error {
	var ev types.StartEmbeddingEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		w.log.Warn().Err(err).Msg("malformed start-embedding event dropped")
		return nil
	}

	if w.registry.Active(ev.WorkspaceID) {
		// Duplicate delivery: replace the entry, keep the subscription.
		w.registry.Activate(ev, nil)
		w.applyProviders(ev.Providers)
		return nil
	}

	sub, err := w.bus.Subscribe(ctx, ev.WorkspaceID, types.EventEmbeddingRequest, w.cfg.ID,
		func(data []byte) error { return w.handleEmbeddingRequest(ctx, data) })
	if err != nil {
		return fmt.Errorf("failed to open embedding subscription for workspace %s: %w", ev.WorkspaceID, err)
	}
	w.registry.Activate(ev, sub.Stop)
	w.applyProviders(ev.Providers)
	return nil
}

func (w *Worker) handleStop(data []byte) error {
	var ev types.StopEmbeddingEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		w.log.Warn().Err(err).Msg("malformed stop-embedding event dropped")
		return nil
	}
	w.registry.Remove(ev.WorkspaceID)
	return nil
}

func (w *Worker) handleRegistryUpdate(data []byte) error {
	var ev types.RegistryUpdateEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		w.log.Warn().Err(err).Msg("malformed registry-update event dropped")
		return nil
	}
	if w.registry.Update(ev) {
		w.applyProviders(ev.Providers)
	}
	return nil
}

// applyProviders pushes a workspace's local-GPU provider list into the
// cluster manager so polling and admission track the current registry.
func (w *Worker) applyProviders(providers []types.InstanceConfig) {
	if w.clusterMg == nil {
		return
	}
	var local []types.InstanceConfig
	for _, p := range providers {
		if p.Type == types.ProviderOllama {
			local = append(local, p)
		}
	}
	w.clusterMg.SetInstances(local)
}

// handleEmbeddingRequest validates the request against the cached registry
// and schedules the pipeline run on the pool. Scheduling acks the message;
// run failures are reported through the finished event, not redelivery.
func (w *Worker) handleEmbeddingRequest(ctx context.Context, data []byte) error {
	var ev types.EmbeddingRequestEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		w.log.Warn().Err(err).Msg("malformed embedding request dropped")
		return nil
	}

	return w.pool.Submit(func() {
		summary := w.embedFile(ctx, ev)
		finished := types.EmbeddingFinishedEvent{
			WorkspaceID:      ev.WorkspaceID,
			Version:          ev.Version,
			LibraryID:        ev.LibraryID,
			FileID:           ev.FileID,
			ChunkCount:       summary.ChunkCount,
			ChunkSize:        summary.ChunkSize,
			TokensUsed:       summary.TokensUsed,
			ProcessingTimeMs: summary.ProcessingTimeMs,
			Success:          summary.Success,
			Message:          summary.Message,
		}
		if err := w.bus.Publish(ctx, ev.WorkspaceID, types.EventEmbeddingFinished, finished); err != nil {
			w.log.Error().Err(err).Str("file", ev.FileID).Msg("failed to publish finished event")
		}
	})
}

// embedFile runs one pipeline end to end and returns its summary. All
// failure modes are converted into an unsuccessful summary.
func (w *Worker) embedFile(ctx context.Context, ev types.EmbeddingRequestEvent) pipeline.Summary {
	failed := func(msg string) pipeline.Summary {
		w.log.Warn().Str("workspace", ev.WorkspaceID).Str("file", ev.FileID).Msg(msg)
		return pipeline.Summary{Success: false, Message: msg}
	}

	if !w.registry.Active(ev.WorkspaceID) {
		return failed(fmt.Sprintf("no cached workspace found with id %s for embedding request", ev.WorkspaceID))
	}
	if _, ok := w.registry.ModelFor(ev.WorkspaceID, ev.ModelName, ev.ModelProvider); !ok {
		return failed(fmt.Sprintf("no provider found for model %s and provider %s in workspace %s",
			ev.ModelName, ev.ModelProvider, ev.WorkspaceID))
	}
	embedder, err := w.providers.ForProvider(ev.ModelProvider)
	if err != nil {
		return failed(err.Error())
	}

	src, err := w.source.Open(ctx, ev)
	if err != nil {
		return failed(fmt.Sprintf("failed to open source for file %s: %v", ev.FileID, err))
	}
	defer src.Close()

	w.log.Info().Str("file", ev.FileID).Str("model", ev.ModelName).Msg("processing embedding request")
	summary, err := pipeline.New(embedder, w.store).Run(ctx, pipeline.Request{
		WorkspaceID: ev.WorkspaceID,
		LibraryID:   ev.LibraryID,
		FileID:      ev.FileID,
		ModelName:   ev.ModelName,
	}, src)
	if err != nil {
		w.log.Error().Err(err).Str("file", ev.FileID).Msg("embedding run failed")
	}
	return summary
}
