package engine

import (
	"context"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pinpt/agent.billing/internal/state"
	"github.com/pinpt/agent.billing/internal/window"
	"github.com/pinpt/agent.billing/sdk"
	"github.com/pinpt/go-common/v10/log"
	"github.com/stretchr/testify/assert"
)

// fakeExport scripts the upstream bulk export surface
type fakeExport struct {
	mu        sync.Mutex
	submit    func(job *ExportJob) (string, error)
	status    func(jobID string) (*jobStatus, error)
	files     map[string]string
	submitted []*ExportJob
	deleted   []string
}

var _ exportAPI = (*fakeExport)(nil)

func (f *fakeExport) SubmitJob(job *ExportJob) (string, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, job)
	f.mu.Unlock()
	return f.submit(job)
}

func (f *fakeExport) JobStatus(jobID string) (*jobStatus, error) {
	return f.status(jobID)
}

func (f *fakeExport) StreamFile(fileID string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[fileID]
	if !ok {
		return nil, &sdk.StaleFileError{FileID: fileID}
	}
	return ioutil.NopCloser(strings.NewReader(content)), nil
}

func (f *fakeExport) DeleteJob(jobID string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, jobID)
	f.mu.Unlock()
	return nil
}

// fakeClock only advances when the orchestrator sleeps
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const invoiceCSVHeader = "Invoice.Id,Invoice.Amount,Invoice.UpdatedDate\n"

func testConfig(kv map[string]interface{}) sdk.Config {
	merged := map[string]interface{}{
		"start_date": "2020-06-01T00:00:00Z",
		"username":   "u",
		"password":   "p",
		"partner_id": "partner",
	}
	for k, v := range kv {
		merged[k] = v
	}
	return sdk.NewConfig(merged)
}

type bulkHarness struct {
	orchestrator *Orchestrator
	api          *fakeExport
	store        state.Store
	pipe         *fakePipe
	clock        *fakeClock
	sleeps       []time.Duration
}

func newBulkHarness(t *testing.T, api *fakeExport, config sdk.Config) *bulkHarness {
	logger := log.NewNoOpTestLogger()
	store := state.New(logger, func(buf []byte) error { return nil })
	startDate, err := config.StartDate()
	assert.NoError(t, err)
	clock := &fakeClock{now: time.Date(2020, 6, 3, 0, 0, 0, 0, time.UTC)}
	planner := window.New(logger, store, startDate).WithClock(clock.Now)
	pipe := &fakePipe{}
	emitter := NewEmitter(logger, pipe, sdk.NewStats(), clock.Now())
	h := &bulkHarness{
		api:   api,
		store: store,
		pipe:  pipe,
		clock: clock,
	}
	o := NewOrchestrator(logger, api, store, planner, emitter, pipe, config)
	o.clock = clock.Now
	o.sleep = func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		clock.advance(d)
		return ctx.Err()
	}
	h.orchestrator = o
	return h
}

func TestOrchestratorSyncHappyPath(t *testing.T) {
	assert := assert.New(t)
	api := &fakeExport{
		files: map[string]string{
			"f1": invoiceCSVHeader +
				"inv-1,10.00,2020-06-01T05:00:00Z\n" +
				"inv-2,20.00,2020-06-02T06:00:00Z\n",
		},
	}
	api.submit = func(job *ExportJob) (string, error) { return "job-1", nil }
	api.status = func(jobID string) (*jobStatus, error) {
		return &jobStatus{Done: true, FileIDs: []string{"f1"}}, nil
	}
	h := newBulkHarness(t, api, testConfig(nil))
	stream := testStream()
	assert.NoError(h.orchestrator.Sync(context.Background(), stream))
	assert.Len(h.pipe.records, 2)
	assert.Equal("inv-1", h.pipe.records[0].Data["Id"])
	bookmark, ok := h.store.Bookmark("Invoice", "UpdatedDate")
	assert.True(ok)
	// the bookmark lands on the window end, not the latest record timestamp
	assert.Equal(h.clock.Now(), bookmark)
	assert.Nil(h.store.PendingExport("Invoice"))
	assert.Equal([]string{"job-1"}, api.deleted)
	assert.NotEmpty(h.pipe.states)
}

func TestOrchestratorShrinksTimedOutWindow(t *testing.T) {
	assert := assert.New(t)
	var polled int
	api := &fakeExport{
		files: map[string]string{
			"f1": invoiceCSVHeader + "inv-1,10.00,2020-06-01T01:00:00Z\n",
			"f2": invoiceCSVHeader,
			"f3": invoiceCSVHeader,
		},
	}
	jobs := 0
	api.submit = func(job *ExportJob) (string, error) {
		jobs++
		if jobs == 1 {
			return "job-slow", nil
		}
		return "job-fast", nil
	}
	api.status = func(jobID string) (*jobStatus, error) {
		if jobID == "job-slow" {
			polled++
			return &jobStatus{}, nil
		}
		fileID := "f1"
		if jobs > 2 {
			fileID = "f" + string(rune('0'+jobs))
		}
		return &jobStatus{Done: true, FileIDs: []string{fileID}}, nil
	}
	h := newBulkHarness(t, api, testConfig(map[string]interface{}{
		"job_timeout":   "90m",
		"poll_interval": "1m",
	}))
	assert.NoError(h.orchestrator.Sync(context.Background(), testStream()))
	// the slow job polled for the full timeout before being abandoned
	assert.Equal(90, polled)
	assert.Contains(api.deleted, "job-slow")
	assert.Len(api.submitted, 3)
	first := api.submitted[0].Window
	second := api.submitted[1].Window
	third := api.submitted[2].Window
	assert.Equal(first.Start, second.Start)
	assert.Equal(first.Duration()/2, second.Duration())
	// the follow-up window picks up exactly where the shrunk window committed,
	// not where the original window would have ended
	assert.Equal(second.End, third.Start)
	assert.Equal(h.clock.Now(), third.End)
	bookmark, ok := h.store.Bookmark("Invoice", "UpdatedDate")
	assert.True(ok)
	assert.Equal(h.clock.Now(), bookmark)
}

func TestOrchestratorTimeoutExhausted(t *testing.T) {
	assert := assert.New(t)
	api := &fakeExport{files: map[string]string{}}
	api.submit = func(job *ExportJob) (string, error) { return "job-1", nil }
	api.status = func(jobID string) (*jobStatus, error) { return &jobStatus{}, nil }
	h := newBulkHarness(t, api, testConfig(map[string]interface{}{
		"job_timeout":   "2s",
		"poll_interval": "1s",
	}))
	err := h.orchestrator.Sync(context.Background(), testStream())
	assert.Equal(sdk.ErrTimeoutExhausted, err)
	// the bookmark never moved
	_, ok := h.store.Bookmark("Invoice", "UpdatedDate")
	assert.False(ok)
}

func TestOrchestratorRateLimitedPolling(t *testing.T) {
	assert := assert.New(t)
	var calls int
	api := &fakeExport{
		files: map[string]string{"f1": invoiceCSVHeader},
	}
	api.submit = func(job *ExportJob) (string, error) { return "job-1", nil }
	api.status = func(jobID string) (*jobStatus, error) {
		calls++
		if calls <= 2 {
			return nil, &sdk.HTTPError{StatusCode: http.StatusTooManyRequests}
		}
		return &jobStatus{Done: true, FileIDs: []string{"f1"}}, nil
	}
	h := newBulkHarness(t, api, testConfig(map[string]interface{}{
		"backoff_base":   "2s",
		"backoff_jitter": "0s",
	}))
	assert.NoError(h.orchestrator.Sync(context.Background(), testStream()))
	assert.Equal(3, calls)
	// consecutive rate limits back off progressively
	assert.Equal([]time.Duration{2 * time.Second, 4 * time.Second}, h.sleeps)
}

func TestOrchestratorExportFailed(t *testing.T) {
	assert := assert.New(t)
	api := &fakeExport{files: map[string]string{}}
	api.submit = func(job *ExportJob) (string, error) { return "job-1", nil }
	api.status = func(jobID string) (*jobStatus, error) {
		return &jobStatus{Failed: true, Message: "query malformed"}, nil
	}
	h := newBulkHarness(t, api, testConfig(nil))
	err := h.orchestrator.Sync(context.Background(), testStream())
	assert.Error(err)
	failure, ok := err.(*sdk.ExportFailedError)
	assert.True(ok)
	assert.Equal("job-1", failure.JobID)
	assert.Contains(failure.Message, "query malformed")
}

func TestOrchestratorPersistsDescriptorBeforeDownloads(t *testing.T) {
	assert := assert.New(t)
	api := &fakeExport{
		files: map[string]string{"f1": invoiceCSVHeader},
	}
	api.submit = func(job *ExportJob) (string, error) { return "job-1", nil }
	api.status = func(jobID string) (*jobStatus, error) {
		return &jobStatus{Done: true, FileIDs: []string{"f1"}}, nil
	}
	var sawDescriptor bool
	logger := log.NewNoOpTestLogger()
	store := state.New(logger, func(buf []byte) error {
		if strings.Contains(string(buf), "job-1") && strings.Contains(string(buf), "f1") {
			sawDescriptor = true
		}
		return nil
	})
	config := testConfig(nil)
	startDate, _ := config.StartDate()
	clock := &fakeClock{now: time.Date(2020, 6, 3, 0, 0, 0, 0, time.UTC)}
	planner := window.New(logger, store, startDate).WithClock(clock.Now)
	pipe := &fakePipe{}
	o := NewOrchestrator(logger, api, store, planner, NewEmitter(logger, pipe, sdk.NewStats(), clock.Now()), pipe, config)
	o.clock = clock.Now
	o.sleep = func(ctx context.Context, d time.Duration) error {
		clock.advance(d)
		return ctx.Err()
	}
	assert.NoError(o.Sync(context.Background(), testStream()))
	assert.True(sawDescriptor)
}

func TestOrchestratorResumeConsumesOnlyRemainingFiles(t *testing.T) {
	assert := assert.New(t)
	api := &fakeExport{
		files: map[string]string{
			"f1": invoiceCSVHeader + "inv-1,10.00,2020-06-02T01:00:00Z\n",
			"f2": invoiceCSVHeader + "inv-2,20.00,2020-06-02T02:00:00Z\n",
		},
	}
	api.submit = func(job *ExportJob) (string, error) {
		t.Fatal("a resumable export must not submit a new job")
		return "", nil
	}
	h := newBulkHarness(t, api, testConfig(nil))
	windowEnd := time.Date(2020, 6, 2, 12, 0, 0, 0, time.UTC)
	pe := &state.PendingExport{
		JobID:            "job-old",
		RemainingFileIDs: []string{"f2"},
		WindowStart:      time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd:        windowEnd,
	}
	h.store.SetPendingExport("Invoice", pe)
	resumed, err := h.orchestrator.resume(context.Background(), testStream(), pe)
	assert.NoError(err)
	assert.True(resumed)
	// f1 was consumed before the interruption, only f2 replays
	assert.Len(h.pipe.records, 1)
	assert.Equal("inv-2", h.pipe.records[0].Data["Id"])
	bookmark, ok := h.store.Bookmark("Invoice", "UpdatedDate")
	assert.True(ok)
	assert.Equal(windowEnd, bookmark)
	assert.Nil(h.store.PendingExport("Invoice"))
}

func TestOrchestratorResumeStaleFileReplans(t *testing.T) {
	assert := assert.New(t)
	api := &fakeExport{
		files: map[string]string{
			"f1": invoiceCSVHeader + "inv-1,10.00,2020-06-02T01:00:00Z\n",
		},
	}
	api.submit = func(job *ExportJob) (string, error) { return "job-2", nil }
	api.status = func(jobID string) (*jobStatus, error) {
		return &jobStatus{Done: true, FileIDs: []string{"f1"}}, nil
	}
	h := newBulkHarness(t, api, testConfig(nil))
	h.store.SetPendingExport("Invoice", &state.PendingExport{
		JobID:            "job-old",
		RemainingFileIDs: []string{"gone"},
		WindowStart:      time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd:        time.Date(2020, 6, 2, 0, 0, 0, 0, time.UTC),
	})
	assert.NoError(h.orchestrator.Sync(context.Background(), testStream()))
	// the stale session was discarded and a fresh export ran from the start date
	assert.Len(api.submitted, 1)
	assert.Len(h.pipe.records, 1)
	bookmark, ok := h.store.Bookmark("Invoice", "UpdatedDate")
	assert.True(ok)
	assert.Equal(h.clock.Now(), bookmark)
}

func TestOrchestratorNonRectangularDiscardsSession(t *testing.T) {
	assert := assert.New(t)
	api := &fakeExport{
		files: map[string]string{
			"f1": invoiceCSVHeader +
				"inv-1,10.00,2020-06-02T01:00:00Z\n" +
				"inv-2,20.00\n",
		},
	}
	api.submit = func(job *ExportJob) (string, error) { return "job-1", nil }
	api.status = func(jobID string) (*jobStatus, error) {
		return &jobStatus{Done: true, FileIDs: []string{"f1"}}, nil
	}
	h := newBulkHarness(t, api, testConfig(nil))
	err := h.orchestrator.Sync(context.Background(), testStream())
	assert.True(sdk.IsNonRectangularError(err))
	assert.Nil(h.store.PendingExport("Invoice"))
	_, ok := h.store.Bookmark("Invoice", "UpdatedDate")
	assert.False(ok)
}

func TestOrchestratorFullTableStream(t *testing.T) {
	assert := assert.New(t)
	api := &fakeExport{
		files: map[string]string{
			"f1": "Product.Id,Product.Name\nprod-1,Widget\n",
		},
	}
	api.submit = func(job *ExportJob) (string, error) { return "job-1", nil }
	api.status = func(jobID string) (*jobStatus, error) {
		return &jobStatus{Done: true, FileIDs: []string{"f1"}}, nil
	}
	h := newBulkHarness(t, api, testConfig(nil))
	stream := sdk.Stream{
		Name: "Product",
		Fields: []sdk.Field{
			{Name: "Id", Type: sdk.StringField, Automatic: true},
			{Name: "Name", Type: sdk.StringField, Selected: true},
		},
	}
	assert.NoError(h.orchestrator.Sync(context.Background(), stream))
	assert.Len(h.pipe.records, 1)
	assert.Equal("Widget", h.pipe.records[0].Data["Name"])
	// full-table streams keep no bookmark
	_, ok := h.store.Bookmark("Product", "")
	assert.False(ok)
	// and the unwindowed query carries no bounds
	assert.NotContains(api.submitted[0].Queries[0].Query, "where")
}
