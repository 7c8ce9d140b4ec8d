package engine

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pinpt/agent.billing/internal/csvstream"
	"github.com/pinpt/agent.billing/internal/state"
	"github.com/pinpt/agent.billing/internal/window"
	"github.com/pinpt/agent.billing/sdk"
)

// Orchestrator drives one stream through the bulk export path: submit a job
// for the planned window, poll it, stream and parse each export file, then
// commit the bookmark. Timed-out jobs shrink the window and retry; an
// interrupted consumption resumes from the persisted pending export.
type Orchestrator struct {
	logger       sdk.Logger
	api          exportAPI
	store        state.Store
	planner      *window.Planner
	emitter      *Emitter
	pipe         sdk.Pipe
	pollInterval time.Duration
	jobTimeout   time.Duration
	backoff      sdk.Backoff
	concurrency  int
	clock        func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewOrchestrator returns an orchestrator for the bulk export path
func NewOrchestrator(logger sdk.Logger, api exportAPI, store state.Store, planner *window.Planner, emitter *Emitter, pipe sdk.Pipe, config sdk.Config) *Orchestrator {
	return &Orchestrator{
		logger:       logger,
		api:          api,
		store:        store,
		planner:      planner,
		emitter:      emitter,
		pipe:         pipe,
		pollInterval: config.PollInterval(),
		jobTimeout:   config.JobTimeout(),
		backoff:      config.Backoff(),
		concurrency:  config.DownloadConcurrency(),
		clock:        time.Now,
		sleep:        sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Sync extracts one stream. Streams without a replication key get a single
// unwindowed full export; incremental streams walk bookmark-to-now windows
// until caught up.
func (o *Orchestrator) Sync(ctx context.Context, stream sdk.Stream) error {
	if pe := o.store.PendingExport(stream.Name); pe != nil {
		sdk.LogInfo(o.logger, "resuming interrupted export", "stream", stream.Name, "job_id", pe.JobID, "remaining", len(pe.RemainingFileIDs))
		resumed, err := o.resume(ctx, stream, pe)
		if err != nil {
			return err
		}
		if resumed && stream.ReplicationKey == "" {
			// a completed resume of a full-table export already delivered
			// everything this run should deliver
			return nil
		}
	}
	if stream.ReplicationKey == "" {
		_, err := o.syncWindow(ctx, stream, window.Window{})
		return err
	}
	w := o.planner.Plan(stream)
	for {
		committed, err := o.syncWindow(ctx, stream, w)
		if err != nil {
			return err
		}
		// plan the follow-up from the committed window, which is smaller than
		// the requested one when jobs timed out, so no range is skipped
		next, ok := o.planner.Next(committed)
		if !ok {
			return nil
		}
		w = next
	}
}

// resume consumes the remaining files of a previously interrupted export. A
// stale file invalidates the whole session: the descriptor and session version
// are discarded and the stream falls back to a fresh window from the bookmark.
func (o *Orchestrator) resume(ctx context.Context, stream sdk.Stream, pe *state.PendingExport) (bool, error) {
	err := o.consume(ctx, stream, pe)
	if err == nil {
		return true, o.finish(stream, pe)
	}
	if sdk.IsStaleFileError(err) {
		// the bookmark never moved so replanning from it loses nothing
		sdk.LogWarn(o.logger, "export file expired upstream, discarding the export session", "stream", stream.Name, "err", err)
		return false, o.discard(stream)
	}
	if sdk.IsNonRectangularError(err) {
		if derr := o.discard(stream); derr != nil {
			return false, derr
		}
	}
	return false, err
}

// discard drops the stream's export session: the pending descriptor and the
// session version, so the next export starts a fresh upstream session
func (o *Orchestrator) discard(stream sdk.Stream) error {
	o.store.ClearPendingExport(stream.Name)
	o.store.ResetVersion(stream.Name)
	return o.store.Persist()
}

// syncWindow runs export jobs for one window, shrinking it while jobs time
// out, and returns the window that actually completed. Failing at the minimum
// window size fails the stream with the bookmark left at its last committed
// value.
func (o *Orchestrator) syncWindow(ctx context.Context, stream sdk.Stream, w window.Window) (window.Window, error) {
	for {
		err := o.runJob(ctx, stream, w)
		if err == nil {
			return w, nil
		}
		if err != sdk.ErrTimedOut {
			return w, err
		}
		if w, err = o.planner.Shrink(w); err != nil {
			return w, err
		}
	}
}

// runJob drives one export job through its full lifecycle for the given
// window. It returns sdk.ErrTimedOut when the job exceeded the deadline so
// the caller can shrink and retry.
func (o *Orchestrator) runJob(ctx context.Context, stream sdk.Stream, w window.Window) error {
	job := &ExportJob{
		State:     JobBuilding,
		Stream:    stream.Name,
		Window:    w,
		Queries:   buildExportQueries(stream, w, o.store.Version(stream.Name)),
		CreatedAt: o.clock(),
	}
	id, err := o.api.SubmitJob(job)
	if err != nil {
		return err
	}
	job.ID = id
	if err := job.advance(JobSubmitted); err != nil {
		return err
	}
	sdk.LogInfo(o.logger, "export job submitted", "stream", stream.Name, "job_id", job.ID, "start", sdk.FormatDate(w.Start), "end", sdk.FormatDate(w.End))
	if err := o.poll(ctx, job); err != nil {
		return err
	}
	if err := job.advance(JobDownloading); err != nil {
		return err
	}
	pe := &state.PendingExport{
		JobID:            job.ID,
		RemainingFileIDs: job.FileIDs,
		WindowStart:      w.Start,
		WindowEnd:        w.End,
	}
	// the descriptor must hit storage before the first byte is consumed so a
	// crash mid-download resumes instead of repeating the whole export
	o.store.SetPendingExport(stream.Name, pe)
	if err := o.store.Persist(); err != nil {
		return err
	}
	if err := job.advance(JobConsuming); err != nil {
		return err
	}
	if err := o.consume(ctx, stream, pe); err != nil {
		if sdk.IsStaleFileError(err) || sdk.IsNonRectangularError(err) {
			if derr := o.discard(stream); derr != nil {
				return derr
			}
		}
		return err
	}
	if err := job.advance(JobCleanup); err != nil {
		return err
	}
	if err := o.finish(stream, pe); err != nil {
		return err
	}
	// cleanup is best effort, a leaked job only consumes upstream quota
	if err := o.api.DeleteJob(job.ID); err != nil {
		sdk.LogWarn(o.logger, "unable to delete completed export job", "stream", stream.Name, "job_id", job.ID, "err", err)
	}
	return job.advance(JobDone)
}

// poll waits for the job to complete, backing off progressively on rate
// limiting and giving up at the job deadline
func (o *Orchestrator) poll(ctx context.Context, job *ExportJob) error {
	if err := job.advance(JobPolling); err != nil {
		return err
	}
	deadline := job.CreatedAt.Add(o.jobTimeout)
	var rateLimited int
	for {
		status, err := o.api.JobStatus(job.ID)
		if err != nil {
			if ok, code, _ := sdk.IsHTTPError(err); ok && code == http.StatusTooManyRequests {
				if err := job.advance(JobRateLimited); err != nil {
					return err
				}
				delay := o.backoff.Delay(rateLimited)
				rateLimited++
				sdk.LogWarn(o.logger, "rate limited while polling export job", "job_id", job.ID, "delay", delay)
				if !o.clock().Add(delay).Before(deadline) {
					return o.timeout(job, JobRateLimited)
				}
				if err := o.sleep(ctx, delay); err != nil {
					return err
				}
				if err := job.advance(JobPolling); err != nil {
					return err
				}
				continue
			}
			return err
		}
		rateLimited = 0
		if status.Failed {
			if err := job.advance(JobFailed); err != nil {
				return err
			}
			return &sdk.ExportFailedError{JobID: job.ID, Message: status.Message}
		}
		if status.Done {
			job.FileIDs = status.FileIDs
			return job.advance(JobCompleted)
		}
		if !o.clock().Add(o.pollInterval).Before(deadline) {
			return o.timeout(job, JobPolling)
		}
		if err := o.sleep(ctx, o.pollInterval); err != nil {
			return err
		}
	}
}

// timeout abandons a job that will not finish before the deadline. The
// unfinished upstream job is deleted so it stops counting against quota.
func (o *Orchestrator) timeout(job *ExportJob, from JobState) error {
	job.State = from
	if err := job.advance(JobTimedOut); err != nil {
		return err
	}
	sdk.LogWarn(o.logger, "export job did not complete before the deadline", "job_id", job.ID, "stream", job.Stream, "timeout", o.jobTimeout)
	if err := o.api.DeleteJob(job.ID); err != nil {
		sdk.LogWarn(o.logger, "unable to delete timed out export job", "job_id", job.ID, "err", err)
	}
	return sdk.ErrTimedOut
}

// consume streams, parses and emits every remaining file of the export.
// Downloads run concurrently but emission and state updates are serialized so
// record order within a file is preserved and each completed file is durably
// checkpointed before the next state write.
func (o *Orchestrator) consume(ctx context.Context, stream sdk.Stream, pe *state.PendingExport) error {
	var mu sync.Mutex
	async := sdk.NewAsync(o.concurrency)
	for _, fileID := range pe.RemainingFileIDs {
		fileID := fileID
		async.Do(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return o.consumeFile(stream, pe, fileID, &mu)
		})
	}
	return async.Wait()
}

func (o *Orchestrator) consumeFile(stream sdk.Stream, pe *state.PendingExport, fileID string, mu *sync.Mutex) error {
	body, err := o.api.StreamFile(fileID)
	if err != nil {
		return err
	}
	defer body.Close()
	reader, err := csvstream.New(fileID, stream.Name, body)
	if err != nil {
		return err
	}
	var count int
	for {
		row, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return err
		}
		mu.Lock()
		_, err = o.emitter.EmitRow(stream, row, pe.WindowStart)
		mu.Unlock()
		if err != nil {
			return err
		}
		count++
	}
	mu.Lock()
	defer mu.Unlock()
	remaining := o.store.RemoveConsumedFile(stream.Name, fileID)
	if err := o.store.Persist(); err != nil {
		return err
	}
	if err := o.pipe.WriteState(o.store.Snapshot()); err != nil {
		return err
	}
	sdk.LogDebug(o.logger, "export file consumed", "stream", stream.Name, "file_id", fileID, "rows", count, "remaining", remaining)
	return nil
}

// finish commits the window and drops the descriptor once every file has been
// consumed. The bookmark moves to the window end, not the latest record seen,
// so empty windows still make progress.
func (o *Orchestrator) finish(stream sdk.Stream, pe *state.PendingExport) error {
	if stream.ReplicationKey != "" {
		o.store.AdvanceBookmark(stream.Name, stream.ReplicationKey, pe.WindowEnd)
	}
	o.store.ClearPendingExport(stream.Name)
	if err := o.store.Persist(); err != nil {
		return err
	}
	return o.pipe.WriteState(o.store.Snapshot())
}
