package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/pinpt/agent.billing/internal/state"
	"github.com/pinpt/agent.billing/internal/window"
	"github.com/pinpt/agent.billing/sdk"
)

// syncer is the common shape of the two extraction paths
type syncer interface {
	Sync(ctx context.Context, stream sdk.Stream) error
}

// Engine runs one sync over the selected streams, choosing the extraction
// path per stream and containing per-stream failures so one bad stream does
// not abort the rest of the run
type Engine struct {
	logger  sdk.Logger
	config  sdk.Config
	store   state.Store
	pipe    sdk.Pipe
	streams []sdk.Stream
	export  exportAPI
	query   queryAPI
	stats   sdk.Stats
}

// New returns an engine over an already resolved api client and catalog
func New(logger sdk.Logger, config sdk.Config, store state.Store, pipe sdk.Pipe, client sdk.HTTPClient, streams []sdk.Stream) *Engine {
	_, partnerID := config.GetString(sdk.ConfigPartnerID)
	api := newBillingAPI(client, partnerID)
	return &Engine{
		logger:  logger,
		config:  config,
		store:   store,
		pipe:    pipe,
		streams: streams,
		export:  api,
		query:   api,
		stats:   sdk.NewStats(),
	}
}

// Stats returns the run's counters
func (e *Engine) Stats() sdk.Stats {
	return e.stats
}

// useRest returns true when the stream must go through the synchronous query
// path, either globally by configuration or because the stream does not
// support bulk export
func (e *Engine) useRest(stream sdk.Stream) bool {
	return e.config.APIType() == sdk.RestAPI || stream.ForceRest
}

// Run syncs every selected stream. An interrupted previous run resumes at the
// stream it was processing, skipping the streams already finished.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.config.Validate(); err != nil {
		return err
	}
	startDate, err := e.config.StartDate()
	if err != nil {
		return err
	}
	started := time.Now()
	planner := window.New(e.logger, e.store, startDate)
	emitter := NewEmitter(e.logger, e.pipe, e.stats, started.UTC())
	bulk := NewOrchestrator(e.logger, e.export, e.store, planner, emitter, e.pipe, e.config)
	rest := NewExtractor(e.logger, e.query, e.store, planner, emitter, e.pipe)
	skipTo := e.store.CurrentStream()
	if skipTo != "" && !e.resolvesSelected(skipTo) {
		// the interrupted stream vanished from the catalog or was deselected,
		// a stale marker must not skip the whole run
		sdk.LogWarn(e.logger, "interrupted stream no longer resolves, starting over", "stream", skipTo)
		skipTo = ""
	}
	if skipTo != "" {
		sdk.LogInfo(e.logger, "previous run was interrupted, resuming", "stream", skipTo)
	}
	var failed []string
	for _, stream := range e.streams {
		if !e.config.StreamSelected(stream.Name) {
			sdk.LogDebug(e.logger, "stream not selected, skipping", "stream", stream.Name)
			continue
		}
		if skipTo != "" {
			if stream.Name != skipTo {
				sdk.LogDebug(e.logger, "stream finished in the interrupted run, skipping", "stream", stream.Name)
				continue
			}
			skipTo = ""
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.syncStream(ctx, bulk, rest, stream); err != nil {
			if _, ok := err.(*sdk.ConfigError); ok {
				return err
			}
			sdk.LogError(e.logger, "stream sync failed", "stream", stream.Name, "err", err)
			failed = append(failed, stream.Name)
		}
	}
	e.store.SetCurrentStream("")
	if err := e.store.Persist(); err != nil {
		return err
	}
	if err := e.pipe.WriteState(e.store.Snapshot()); err != nil {
		return err
	}
	if err := e.pipe.Flush(); err != nil {
		return err
	}
	sdk.LogInfo(e.logger, "sync finished", "duration", time.Since(started), "stats", e.stats)
	if len(failed) > 0 {
		return fmt.Errorf("sync finished with %d failed streams: %v", len(failed), failed)
	}
	return nil
}

// resolvesSelected reports whether the named stream is both present in the
// resolved catalog and selected by the configuration
func (e *Engine) resolvesSelected(name string) bool {
	if !e.config.StreamSelected(name) {
		return false
	}
	for _, stream := range e.streams {
		if stream.Name == name {
			return true
		}
	}
	return false
}

func (e *Engine) syncStream(ctx context.Context, bulk *Orchestrator, rest *Extractor, stream sdk.Stream) error {
	e.store.SetCurrentStream(stream.Name)
	if err := e.store.Persist(); err != nil {
		return err
	}
	if err := e.pipe.WriteSchema(stream); err != nil {
		return err
	}
	sdk.LogInfo(e.logger, "syncing stream", "stream", stream.Name, "replication_key", stream.ReplicationKey, "rest", e.useRest(stream))
	var path syncer = bulk
	if e.useRest(stream) {
		path = rest
	}
	return path.Sync(ctx, stream)
}
