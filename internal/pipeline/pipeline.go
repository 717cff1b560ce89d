// Package pipeline turns a document's extracted text stream into stored
// vectors: split on paragraph boundaries, embed in fixed-size batches
// through the provider layer, persist to the vector store. Stages pull from
// each other, so downstream consumption drives upstream reads and nothing
// buffers unboundedly.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"modelpool/internal/provider"
	"modelpool/internal/vectorstore"
)

// BatchSize is the number of chunks embedded per provider call.
const BatchSize = 20

// CollectionName returns the deterministic vector collection for a
// workspace.
func CollectionName(workspaceID string) string {
	return "workspace_" + workspaceID
}

// PointID returns the deterministic point id for one chunk of one file,
// making upserts idempotent across reruns.
func PointID(fileID string, chunkIndex int) string {
	return fmt.Sprintf("file_%s_chunk_%d", fileID, chunkIndex)
}

// Store is the vector-store surface the persister needs.
type Store interface {
	Ensure(ctx context.Context, collection string, vectorModels map[string]vectorstore.VectorParams) error
	Upsert(ctx context.Context, collection string, points []vectorstore.Point) error
}

// Request identifies one embedding run.
type Request struct {
	WorkspaceID string
	LibraryID   string
	FileID      string
	ModelName   string
}

// Summary reports the outcome of one run.
type Summary struct {
	ChunkCount       int    `json:"chunk_count"`
	ChunkSize        int64  `json:"chunk_size"`
	TokensUsed       int    `json:"tokens_used"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
	Success          bool   `json:"success"`
	Message          string `json:"message,omitempty"`
}

// Pipeline runs embedding ingestions. Safe for concurrent runs; all
// per-run state is local to Run.
type Pipeline struct {
	embedder provider.Embedder
	store    Store
	log      zerolog.Logger
}

// New returns a Pipeline embedding through embedder and persisting to
// store.
func New(embedder provider.Embedder, store Store) *Pipeline {
	return &Pipeline{
		embedder: embedder,
		store:    store,
		log:      log.With().Str("component", "pipeline").Logger(),
	}
}

// embeddedChunk pairs a chunk with its vector.
type embeddedChunk struct {
	Chunk
	vector []float32
}

// Run splits source, embeds every chunk with the requested model and
// upserts the vectors. Errors abort the run and propagate; already
// committed batches stay (idempotent point ids make reruns safe).
func (p *Pipeline) Run(ctx context.Context, req Request, source io.Reader) (Summary, error) {
	start := time.Now()
	sum := Summary{}
	fail := func(err error) (Summary, error) {
		sum.ProcessingTimeMs = time.Since(start).Milliseconds()
		sum.Message = err.Error()
		return sum, err
	}

	collection := CollectionName(req.WorkspaceID)
	ensured := false
	splitter := NewSplitter(source)
	batch := make([]Chunk, 0, BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		embedding, err := p.embedder.Embed(ctx, req.ModelName, texts)
		if err != nil {
			return fmt.Errorf("embed batch of %d: %w", len(batch), err)
		}
		if len(embedding.Vectors) != len(batch) {
			return fmt.Errorf("embed batch: got %d vectors for %d chunks", len(embedding.Vectors), len(batch))
		}
		sum.TokensUsed += embedding.TotalTokens

		embedded := make([]embeddedChunk, len(batch))
		for i, c := range batch {
			embedded[i] = embeddedChunk{Chunk: c, vector: embedding.Vectors[i]}
		}
		if err := p.persist(ctx, req, collection, &ensured, embedded); err != nil {
			return err
		}
		for _, c := range batch {
			sum.ChunkSize += int64(c.Length)
		}
		batch = batch[:0]
		return nil
	}

	for {
		chunk, err := splitter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fail(fmt.Errorf("split: %w", err))
		}
		sum.ChunkCount++
		batch = append(batch, chunk)
		if len(batch) >= BatchSize {
			if err := flush(); err != nil {
				return fail(err)
			}
		}
	}
	if err := flush(); err != nil {
		return fail(err)
	}

	sum.Success = true
	sum.ProcessingTimeMs = time.Since(start).Milliseconds()
	sum.Message = fmt.Sprintf("embedded %d chunks for file %s using model %s", sum.ChunkCount, req.FileID, req.ModelName)
	p.log.Info().Str("file", req.FileID).Str("model", req.ModelName).
		Int("chunks", sum.ChunkCount).Int("tokens", sum.TokensUsed).Msg("embedding run finished")
	return sum, nil
}

// persist lazily ensures the collection on the first batch, sized from the
// dimensionality actually returned, then upserts one point per chunk.
func (p *Pipeline) persist(ctx context.Context, req Request, collection string, ensured *bool, batch []embeddedChunk) error {
	if !*ensured {
		if len(batch) == 0 || len(batch[0].vector) == 0 {
			return fmt.Errorf("cannot size collection %s: empty first vector", collection)
		}
		err := p.store.Ensure(ctx, collection, map[string]vectorstore.VectorParams{
			req.ModelName: {Size: len(batch[0].vector), Distance: "Cosine"},
		})
		if err != nil {
			return fmt.Errorf("ensure collection %s: %w", collection, err)
		}
		*ensured = true
	}

	points := make([]vectorstore.Point, len(batch))
	for i, ec := range batch {
		points[i] = vectorstore.Point{
			ID:      PointID(req.FileID, ec.Index),
			Vectors: map[string][]float32{req.ModelName: ec.vector},
			Payload: vectorstore.ChunkPayload(req.WorkspaceID, req.LibraryID, req.FileID, ec.Index, ec.Text),
		}
	}
	if err := p.store.Upsert(ctx, collection, points); err != nil {
		return fmt.Errorf("upsert %d points into %s: %w", len(points), collection, err)
	}
	return nil
}
