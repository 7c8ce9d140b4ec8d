package window

import (
	"time"

	"github.com/pinpt/agent.billing/internal/state"
	"github.com/pinpt/agent.billing/sdk"
)

// MinDuration is the floor for window shrinking. A window that still times out
// at this duration cannot be subdivided further.
const MinDuration = time.Second

// Window is a bounded time range [Start, End) over which records are requested
// for one extraction attempt. Both bounds are UTC.
type Window struct {
	Start time.Time
	End   time.Time
}

// Duration returns the window length
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Planner computes the next query window for a stream and bisects it when an
// export job cannot finish in time
type Planner struct {
	store     state.Store
	startDate time.Time
	now       func() time.Time
	logger    sdk.Logger
}

// New returns a Planner working against the given state store. The start date
// is the fallback bookmark for streams that have never synced.
func New(logger sdk.Logger, store state.Store, startDate time.Time) *Planner {
	return &Planner{
		store:     store,
		startDate: startDate,
		now:       time.Now,
		logger:    logger,
	}
}

// WithClock overrides the planner's time source
func (p *Planner) WithClock(now func() time.Time) *Planner {
	p.now = now
	return p
}

// Bookmark returns the stream's stored bookmark or the configured start date
// when absent or unparsable
func (p *Planner) Bookmark(stream sdk.Stream) time.Time {
	if tv, ok := p.store.Bookmark(stream.Name, stream.ReplicationKey); ok {
		return tv
	}
	return p.startDate
}

// Plan returns the initial window for a stream: last bookmark up to a freshly
// captured now
func (p *Planner) Plan(stream sdk.Stream) Window {
	return Window{Start: p.Bookmark(stream).UTC(), End: p.now().UTC()}
}

// Shrink halves the window duration with the same start. When the window is
// already at the minimum duration it returns ErrTimeoutExhausted and the
// stream's sync attempt must fail, leaving the last committed bookmark intact.
func (p *Planner) Shrink(w Window) (Window, error) {
	duration := w.Duration()
	if duration <= MinDuration {
		return Window{}, sdk.ErrTimeoutExhausted
	}
	duration = duration / 2
	if duration < MinDuration {
		duration = MinDuration
	}
	shrunk := Window{Start: w.Start, End: w.Start.Add(duration)}
	sdk.LogInfo(p.logger, "export timed out, reducing query window", "start", sdk.FormatDate(shrunk.Start), "end", sdk.FormatDate(shrunk.End))
	return shrunk, nil
}

// Commit advances the bookmark to the window's end, not to the latest record
// timestamp, so empty windows leave no gap. The caller persists afterwards.
func (p *Planner) Commit(stream sdk.Stream, w Window) {
	p.store.AdvanceBookmark(stream.Name, stream.ReplicationKey, w.End)
}

// Next plans the follow-up window after a commit with a freshly captured now,
// since the upstream clock advanced while the previous window was processed.
// It returns false when the committed window is within MinDuration of now,
// otherwise the loop would chase the clock with ever smaller windows.
func (p *Planner) Next(w Window) (Window, bool) {
	now := p.now().UTC()
	if now.Sub(w.End) < MinDuration {
		return Window{}, false
	}
	return Window{Start: w.End, End: now}, true
}
