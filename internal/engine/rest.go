package engine

import (
	"context"

	"github.com/pinpt/agent.billing/internal/state"
	"github.com/pinpt/agent.billing/internal/window"
	"github.com/pinpt/agent.billing/sdk"
)

// Extractor drives one stream through the synchronous query path: run the
// windowed query, follow continuation tokens until the result set is
// exhausted, then commit the bookmark. Queries that time out shrink the
// window the same way bulk export jobs do.
type Extractor struct {
	logger  sdk.Logger
	api     queryAPI
	store   state.Store
	planner *window.Planner
	emitter *Emitter
	pipe    sdk.Pipe
}

// NewExtractor returns an extractor for the synchronous query path
func NewExtractor(logger sdk.Logger, api queryAPI, store state.Store, planner *window.Planner, emitter *Emitter, pipe sdk.Pipe) *Extractor {
	return &Extractor{
		logger:  logger,
		api:     api,
		store:   store,
		planner: planner,
		emitter: emitter,
		pipe:    pipe,
	}
}

// Sync extracts one stream. Streams without a replication key run one
// unwindowed query; incremental streams walk bookmark-to-now windows until
// caught up.
func (e *Extractor) Sync(ctx context.Context, stream sdk.Stream) error {
	if stream.ReplicationKey == "" {
		return e.extract(ctx, stream, window.Window{})
	}
	w := e.planner.Plan(stream)
	for {
		committed, err := e.syncWindow(ctx, stream, w)
		if err != nil {
			return err
		}
		// plan the follow-up from the committed window, which is smaller than
		// the requested one when queries timed out, so no range is skipped
		next, ok := e.planner.Next(committed)
		if !ok {
			return nil
		}
		w = next
	}
}

// syncWindow runs queries for one window, shrinking it while they time out,
// and returns the window that actually completed and was committed.
func (e *Extractor) syncWindow(ctx context.Context, stream sdk.Stream, w window.Window) (window.Window, error) {
	for {
		err := e.extract(ctx, stream, w)
		if err == nil {
			e.planner.Commit(stream, w)
			if err := e.store.Persist(); err != nil {
				return w, err
			}
			return w, e.pipe.WriteState(e.store.Snapshot())
		}
		if err != sdk.ErrTimedOut {
			return w, err
		}
		if w, err = e.planner.Shrink(w); err != nil {
			return w, err
		}
	}
}

// extract runs one query and pages through its result set. The continuation
// token is never persisted: an interrupted window restarts from its beginning,
// which is safe because the bookmark only moves after the window completes.
func (e *Extractor) extract(ctx context.Context, stream sdk.Stream, w window.Window) error {
	q := buildQuery(stream, w)
	sdk.LogDebug(e.logger, "running query", "stream", stream.Name, "query", q)
	page, err := e.api.Query(q)
	for {
		if err != nil {
			return err
		}
		for _, obj := range page.Records {
			if err := e.emitter.EmitObject(stream, obj); err != nil {
				return err
			}
		}
		if page.Locator == "" {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err = e.api.QueryMore(page.Locator)
	}
}
