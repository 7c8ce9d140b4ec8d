package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/pinpt/agent.billing/sdk"
	"github.com/pinpt/go-common/v10/log"
	"github.com/stretchr/testify/assert"
)

// fakePipe captures everything the engine writes, in order
type fakePipe struct {
	mu      sync.Mutex
	schemas []string
	records []sdk.Record
	states  [][]byte
	flushed bool
	closed  bool
}

var _ sdk.Pipe = (*fakePipe)(nil)

func (p *fakePipe) WriteSchema(stream sdk.Stream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.schemas = append(p.schemas, stream.Name)
	return nil
}

func (p *fakePipe) Write(record sdk.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, record)
	return nil
}

func (p *fakePipe) WriteState(snapshot []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, snapshot)
	return nil
}

func (p *fakePipe) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushed = true
	return nil
}

func (p *fakePipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func TestCoerce(t *testing.T) {
	assert := assert.New(t)
	assert.Nil(coerce(sdk.StringField, ""))
	assert.Equal(int64(42), coerce(sdk.IntegerField, "42"))
	assert.Equal(12.5, coerce(sdk.NumberField, "12.5"))
	assert.Equal(true, coerce(sdk.BooleanField, "TRUE"))
	assert.Equal(false, coerce(sdk.BooleanField, "false"))
	assert.Equal("2020-06-01T10:30:00Z", coerce(sdk.DateTimeField, "2020-06-01T10:30:00Z"))
	assert.Equal("2020-06-01T10:30:00Z", coerce(sdk.DateTimeField, "2020-06-01 10:30:00"))
	assert.Equal("2020-06-01T00:00:00Z", coerce(sdk.DateField, "2020-06-01"))
	// values that don't parse as their declared type pass through raw
	assert.Equal("not-a-number", coerce(sdk.IntegerField, "not-a-number"))
	assert.Equal("soon", coerce(sdk.DateTimeField, "soon"))
}

func TestEmitRow(t *testing.T) {
	assert := assert.New(t)
	logger := log.NewNoOpTestLogger()
	pipe := &fakePipe{}
	extracted := time.Date(2020, 6, 3, 0, 0, 0, 0, time.UTC)
	emitter := NewEmitter(logger, pipe, sdk.NewStats(), extracted)
	emitted, err := emitter.EmitRow(testStream(), sdk.Row{
		"Id":          "inv-1",
		"Amount":      "99.95",
		"UpdatedDate": "2020-06-01T10:30:00Z",
	}, time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC))
	assert.NoError(err)
	assert.True(emitted)
	assert.Len(pipe.records, 1)
	record := pipe.records[0]
	assert.Equal("Invoice", record.Stream)
	assert.Equal(extracted, record.Extracted)
	assert.Equal("inv-1", record.Data["Id"])
	assert.Equal(99.95, record.Data["Amount"])
	assert.Equal("2020-06-01T10:30:00Z", record.Data["UpdatedDate"])
}

func TestEmitRowSkipsRedeliveredRows(t *testing.T) {
	assert := assert.New(t)
	pipe := &fakePipe{}
	emitter := NewEmitter(log.NewNoOpTestLogger(), pipe, sdk.NewStats(), time.Now())
	windowStart := time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC)
	// the upstream incremental session re-delivers rows from before the
	// window, they must not be emitted again
	emitted, err := emitter.EmitRow(testStream(), sdk.Row{
		"Id":          "inv-0",
		"Amount":      "1.00",
		"UpdatedDate": "2020-05-30T00:00:00Z",
	}, windowStart)
	assert.NoError(err)
	assert.False(emitted)
	assert.Empty(pipe.records)
}

func TestEmitRowSkipsMissingReplicationKey(t *testing.T) {
	assert := assert.New(t)
	pipe := &fakePipe{}
	emitter := NewEmitter(log.NewNoOpTestLogger(), pipe, sdk.NewStats(), time.Now())
	emitted, err := emitter.EmitRow(testStream(), sdk.Row{
		"Id":     "inv-2",
		"Amount": "5.00",
	}, time.Time{})
	assert.NoError(err)
	assert.False(emitted)
	assert.Empty(pipe.records)
}

func TestEmitRowDeletedIndicator(t *testing.T) {
	assert := assert.New(t)
	pipe := &fakePipe{}
	emitter := NewEmitter(log.NewNoOpTestLogger(), pipe, sdk.NewStats(), time.Now())
	emitted, err := emitter.EmitRow(testStream(), sdk.Row{
		"Id":          "inv-3",
		"Amount":      "",
		"UpdatedDate": "2020-06-01T10:30:00Z",
		"Deleted":     "true",
	}, time.Time{})
	assert.NoError(err)
	assert.True(emitted)
	assert.Equal(true, pipe.records[0].Data["Deleted"])
	assert.Nil(pipe.records[0].Data["Amount"])
}

func TestEmitObject(t *testing.T) {
	assert := assert.New(t)
	pipe := &fakePipe{}
	stats := sdk.NewStats()
	emitter := NewEmitter(log.NewNoOpTestLogger(), pipe, stats, time.Now())
	err := emitter.EmitObject(testStream(), map[string]interface{}{
		"Id":          "inv-4",
		"Amount":      "12.50",
		"UpdatedDate": "2020-06-01T10:30:00Z",
		"Extra":       float64(3),
	})
	assert.NoError(err)
	assert.Len(pipe.records, 1)
	// string values pass through declared-type coercion, others are kept as-is
	assert.Equal(12.5, pipe.records[0].Data["Amount"])
	assert.Equal(float64(3), pipe.records[0].Data["Extra"])
}
