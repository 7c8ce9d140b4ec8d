package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/pinpt/agent.billing/internal/state"
	"github.com/pinpt/agent.billing/sdk"
	"github.com/pinpt/go-common/v10/log"
	"github.com/stretchr/testify/assert"
)

func newTestEngine(t *testing.T, config sdk.Config, streams []sdk.Stream) (*Engine, *fakePipe, state.Store) {
	logger := log.NewNoOpTestLogger()
	store := state.New(logger, func(buf []byte) error { return nil })
	pipe := &fakePipe{}
	engine := New(logger, config, store, pipe, nil, streams)
	return engine, pipe, store
}

func completingExport(files map[string]string) *fakeExport {
	api := &fakeExport{files: files}
	fileIDs := make([]string, 0, len(files))
	for id := range files {
		fileIDs = append(fileIDs, id)
	}
	api.submit = func(job *ExportJob) (string, error) { return "job-1", nil }
	api.status = func(jobID string) (*jobStatus, error) {
		return &jobStatus{Done: true, FileIDs: fileIDs}, nil
	}
	return api
}

func TestEngineRunValidatesConfig(t *testing.T) {
	assert := assert.New(t)
	engine, pipe, _ := newTestEngine(t, sdk.NewConfig(nil), []sdk.Stream{testStream()})
	err := engine.Run(context.Background())
	assert.Error(err)
	var ce *sdk.ConfigError
	assert.True(errors.As(err, &ce))
	// nothing was written before validation failed
	assert.Empty(pipe.schemas)
	assert.Empty(pipe.states)
}

func TestEngineRunSyncsSelectedStreams(t *testing.T) {
	assert := assert.New(t)
	config := testConfig(map[string]interface{}{
		"exclude": "Product",
	})
	engine, pipe, store := newTestEngine(t, config, []sdk.Stream{
		testStream(),
		{Name: "Product", Fields: []sdk.Field{{Name: "Id", Type: sdk.StringField, Automatic: true}}},
	})
	engine.export = completingExport(map[string]string{
		"f1": invoiceCSVHeader + "inv-1,10.00,2020-06-02T01:00:00Z\n",
	})
	assert.NoError(engine.Run(context.Background()))
	assert.Equal([]string{"Invoice"}, pipe.schemas)
	assert.Len(pipe.records, 1)
	assert.True(pipe.flushed)
	assert.Equal("", store.CurrentStream())
	_, ok := store.Bookmark("Invoice", "UpdatedDate")
	assert.True(ok)
}

func TestEngineRunResumesAtInterruptedStream(t *testing.T) {
	assert := assert.New(t)
	engine, pipe, store := newTestEngine(t, testConfig(nil), []sdk.Stream{
		{Name: "Account", ReplicationKey: "UpdatedDate", Fields: []sdk.Field{
			{Name: "Id", Type: sdk.StringField, Automatic: true},
			{Name: "UpdatedDate", Type: sdk.DateTimeField, Automatic: true},
		}},
		testStream(),
	})
	store.SetCurrentStream("Invoice")
	engine.export = completingExport(map[string]string{"f1": invoiceCSVHeader})
	assert.NoError(engine.Run(context.Background()))
	// Account finished in the interrupted run and is not replayed
	assert.Equal([]string{"Invoice"}, pipe.schemas)
	_, ok := store.Bookmark("Account", "UpdatedDate")
	assert.False(ok)
}

func TestEngineRunClearsVanishedInterruptedStream(t *testing.T) {
	assert := assert.New(t)
	engine, pipe, store := newTestEngine(t, testConfig(nil), []sdk.Stream{testStream()})
	// the stream the previous run stopped at no longer resolves
	store.SetCurrentStream("Gone")
	engine.export = completingExport(map[string]string{
		"f1": invoiceCSVHeader + "inv-1,10.00,2020-06-02T01:00:00Z\n",
	})
	assert.NoError(engine.Run(context.Background()))
	// every catalog stream still syncs instead of being skipped
	assert.Equal([]string{"Invoice"}, pipe.schemas)
	assert.Len(pipe.records, 1)
	assert.Equal("", store.CurrentStream())
}

func TestEngineRunClearsDeselectedInterruptedStream(t *testing.T) {
	assert := assert.New(t)
	config := testConfig(map[string]interface{}{
		"exclude": "Product",
	})
	engine, pipe, store := newTestEngine(t, config, []sdk.Stream{
		testStream(),
		{Name: "Product", Fields: []sdk.Field{{Name: "Id", Type: sdk.StringField, Automatic: true}}},
	})
	// the interrupted stream exists but the config no longer selects it
	store.SetCurrentStream("Product")
	engine.export = completingExport(map[string]string{"f1": invoiceCSVHeader})
	assert.NoError(engine.Run(context.Background()))
	assert.Equal([]string{"Invoice"}, pipe.schemas)
	assert.Equal("", store.CurrentStream())
}

func TestEngineRunContainsStreamFailures(t *testing.T) {
	assert := assert.New(t)
	engine, pipe, store := newTestEngine(t, testConfig(nil), []sdk.Stream{
		{Name: "Account", ReplicationKey: "UpdatedDate", Fields: []sdk.Field{
			{Name: "Id", Type: sdk.StringField, Automatic: true},
			{Name: "UpdatedDate", Type: sdk.DateTimeField, Automatic: true},
		}},
		testStream(),
	})
	api := completingExport(map[string]string{"f1": invoiceCSVHeader})
	submit := api.submit
	api.submit = func(job *ExportJob) (string, error) {
		if job.Stream == "Account" {
			return "", errors.New("boom")
		}
		return submit(job)
	}
	engine.export = api
	err := engine.Run(context.Background())
	assert.Error(err)
	assert.Contains(err.Error(), "Account")
	// the failure did not stop the later stream
	assert.Equal([]string{"Account", "Invoice"}, pipe.schemas)
	_, ok := store.Bookmark("Invoice", "UpdatedDate")
	assert.True(ok)
	assert.Equal("", store.CurrentStream())
}

func TestEngineRunRestPath(t *testing.T) {
	assert := assert.New(t)
	config := testConfig(map[string]interface{}{
		"api_type": "rest",
	})
	engine, pipe, _ := newTestEngine(t, config, []sdk.Stream{testStream()})
	query := &fakeQuery{}
	query.query = func(q string) (*queryPage, error) {
		return &queryPage{Records: []map[string]interface{}{
			{"Id": "inv-1", "UpdatedDate": "2020-06-02T01:00:00Z"},
		}}, nil
	}
	engine.query = query
	engine.export = &fakeExport{
		submit: func(job *ExportJob) (string, error) {
			t.Error("the rest api type must not submit export jobs")
			return "", nil
		},
	}
	assert.NoError(engine.Run(context.Background()))
	assert.Len(pipe.records, 1)
	assert.NotEmpty(query.queries)
}

func TestEngineRunForceRestStream(t *testing.T) {
	assert := assert.New(t)
	stream := testStream()
	stream.ForceRest = true
	engine, pipe, _ := newTestEngine(t, testConfig(nil), []sdk.Stream{stream})
	query := &fakeQuery{}
	query.query = func(q string) (*queryPage, error) {
		return &queryPage{}, nil
	}
	engine.query = query
	engine.export = &fakeExport{
		submit: func(job *ExportJob) (string, error) {
			t.Error("a force-rest stream must not submit export jobs")
			return "", nil
		},
	}
	assert.NoError(engine.Run(context.Background()))
	assert.NotEmpty(query.queries)
	assert.Empty(pipe.records)
}
