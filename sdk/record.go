package sdk

import (
	"time"

	pjson "github.com/pinpt/go-common/v10/json"
)

// Row is a raw column-name-to-string mapping parsed from one export file line.
// Rows are transient and never persisted.
type Row map[string]string

// Record is a typed record produced by the record emitter
type Record struct {
	Stream string                 `json:"stream"`
	Data   map[string]interface{} `json:"record"`
	// Extracted is fixed once per sync run, not per record
	Extracted time.Time `json:"time_extracted"`
}

// Stringify returns the record as a JSON string
func (r Record) Stringify() string {
	return pjson.Stringify(r)
}

// Pipe is the output sink for the engine: typed records, one schema
// announcement per stream and state snapshots after every checkpoint
type Pipe interface {
	// WriteSchema announces a stream's schema before its records
	WriteSchema(stream Stream) error
	// Write a record to the output system
	Write(record Record) error
	// WriteState emits a full state snapshot
	WriteState(snapshot []byte) error
	// Flush any buffered output
	Flush() error
	// Close is called when the sync has completed and no more data will be sent
	Close() error
}
