package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"modelpool/internal/ollama"
	"modelpool/pkg/types"
)

// PollResult is the outcome of probing one instance. The three probes
// (version, tags, ps) are attempted independently: a single failure
// degrades its field, total unreachability sets Available=false with Err.
type PollResult struct {
	Instance     types.InstanceConfig
	Available    bool
	ResponseTime time.Duration
	Version      string
	Models       []ollama.TagModel
	Running      []ollama.PSModel
	// Sum of size_vram over running models.
	UsedMemory int64
	// Per-probe success flags so callers can tell a degraded field from an
	// empty one.
	ModelsOK bool
	LoadOK   bool
	Err      error
}

// Poller probes serving instances for liveness, models and load.
type Poller struct {
	client *ollama.Client
	log    zerolog.Logger
}

// NewPoller returns a Poller using the given instance client.
func NewPoller(client *ollama.Client) *Poller {
	return &Poller{
		client: client,
		log:    log.With().Str("component", "poller").Logger(),
	}
}

// Poll probes a single instance. The three probes run concurrently; the
// result is assembled once all settle.
func (p *Poller) Poll(ctx context.Context, inst types.InstanceConfig) PollResult {
	res := PollResult{Instance: inst}
	start := time.Now()

	var wg sync.WaitGroup
	var versionErr, tagsErr, psErr error
	wg.Add(3)
	go func() {
		defer wg.Done()
		res.Version, versionErr = p.client.Version(ctx, inst)
	}()
	go func() {
		defer wg.Done()
		var tags ollama.TagsResponse
		tags, tagsErr = p.client.Tags(ctx, inst)
		if tagsErr == nil {
			res.Models = tags.Models
			res.ModelsOK = true
		}
	}()
	go func() {
		defer wg.Done()
		var ps ollama.PSResponse
		ps, psErr = p.client.PS(ctx, inst)
		if psErr == nil {
			res.Running = ps.Models
			res.LoadOK = true
			for _, m := range ps.Models {
				res.UsedMemory += m.SizeVRAM
			}
		}
	}()
	wg.Wait()

	res.ResponseTime = time.Since(start)
	if versionErr != nil && tagsErr != nil && psErr != nil {
		res.Available = false
		res.Err = versionErr
		p.log.Warn().Str("instance", inst.ID).Str("url", inst.URL).Err(versionErr).Msg("instance unreachable")
		return res
	}
	res.Available = true
	if versionErr != nil {
		p.log.Debug().Str("instance", inst.ID).Err(versionErr).Msg("version probe failed")
	}
	if tagsErr != nil {
		p.log.Debug().Str("instance", inst.ID).Err(tagsErr).Msg("tags probe failed")
	}
	if psErr != nil {
		p.log.Debug().Str("instance", inst.ID).Err(psErr).Msg("ps probe failed")
	}
	return res
}

// PollAll probes every instance concurrently. Results keep the input order;
// one instance's failure never blocks or corrupts another's result.
func (p *Poller) PollAll(ctx context.Context, instances []types.InstanceConfig) []PollResult {
	results := make([]PollResult, len(instances))
	var wg sync.WaitGroup
	for i, inst := range instances {
		wg.Add(1)
		go func(i int, inst types.InstanceConfig) {
			defer wg.Done()
			results[i] = p.Poll(ctx, inst)
		}(i, inst)
	}
	wg.Wait()
	return results
}
