package console

import (
	"fmt"

	"github.com/pinpt/agent.billing/sdk"
	"github.com/pinpt/go-common/v10/log"
)

type consolePipe struct {
	logger log.Logger
	closed bool
}

var _ sdk.Pipe = (*consolePipe)(nil)

// WriteSchema announces a stream's schema before its records
func (p *consolePipe) WriteSchema(stream sdk.Stream) error {
	if p.closed {
		return fmt.Errorf("pipe closed")
	}
	log.Info(p.logger, "schema", "stream", stream.Name, "replication_key", stream.ReplicationKey, "fields", len(stream.Fields))
	return nil
}

// Write a record to the output system
func (p *consolePipe) Write(record sdk.Record) error {
	if p.closed {
		return fmt.Errorf("pipe closed")
	}
	log.Debug(p.logger, record.Stringify(), "stream", record.Stream)
	return nil
}

// WriteState emits a full state snapshot
func (p *consolePipe) WriteState(snapshot []byte) error {
	if p.closed {
		return fmt.Errorf("pipe closed")
	}
	log.Debug(p.logger, "state", "snapshot", string(snapshot))
	return nil
}

func (p *consolePipe) Flush() error {
	return nil
}

// Close is called when the sync has completed and no more data will be sent
func (p *consolePipe) Close() error {
	p.closed = true
	return nil
}

// New will create a new console pipe
func New(logger log.Logger) sdk.Pipe {
	log.Debug(logger, "using log pipe")
	return &consolePipe{logger, false}
}
