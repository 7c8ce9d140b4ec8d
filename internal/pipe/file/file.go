package file

import (
	"bufio"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/pinpt/agent.billing/sdk"
	pjson "github.com/pinpt/go-common/v10/json"
	"github.com/pinpt/go-common/v10/log"
)

// filePipe writes records as one json-lines file per stream plus a schema
// file per stream and a state.json updated on every state write
type filePipe struct {
	logger  log.Logger
	dir     string
	closed  bool
	mu      sync.Mutex
	files   map[string]*os.File
	writers map[string]*bufio.Writer
}

var _ sdk.Pipe = (*filePipe)(nil)

func (p *filePipe) writer(stream string) (*bufio.Writer, error) {
	w := p.writers[stream]
	if w != nil {
		return w, nil
	}
	fp := filepath.Join(p.dir, stream+".jsonl")
	of, err := os.OpenFile(fp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	w = bufio.NewWriter(of)
	p.files[stream] = of
	p.writers[stream] = w
	return w, nil
}

// WriteSchema announces a stream's schema before its records
func (p *filePipe) WriteSchema(stream sdk.Stream) error {
	if p.closed {
		return fmt.Errorf("pipe closed")
	}
	fp := filepath.Join(p.dir, stream.Name+".schema.json")
	return ioutil.WriteFile(fp, []byte(pjson.Stringify(stream)), 0644)
}

// Write a record to the output system
func (p *filePipe) Write(record sdk.Record) error {
	if p.closed {
		return fmt.Errorf("pipe closed")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	w, err := p.writer(record.Stream)
	if err != nil {
		return err
	}
	if _, err := w.WriteString(record.Stringify()); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

// WriteState emits a full state snapshot
func (p *filePipe) WriteState(snapshot []byte) error {
	if p.closed {
		return fmt.Errorf("pipe closed")
	}
	return ioutil.WriteFile(filepath.Join(p.dir, "state.json"), snapshot, 0644)
}

// Flush forces buffered records to disk
func (p *filePipe) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for stream, w := range p.writers {
		if err := w.Flush(); err != nil {
			return fmt.Errorf("error flushing %s: %w", stream, err)
		}
	}
	return nil
}

// Close is called when the sync has completed and no more data will be sent
func (p *filePipe) Close() error {
	if err := p.Flush(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for stream, of := range p.files {
		of.Close()
		delete(p.files, stream)
		delete(p.writers, stream)
	}
	return nil
}

// New will create a new file pipe rooted at dir
func New(logger log.Logger, dir string) (sdk.Pipe, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	log.Debug(logger, "using file pipe", "dir", dir)
	return &filePipe{
		logger:  logger,
		dir:     dir,
		files:   make(map[string]*os.File),
		writers: make(map[string]*bufio.Writer),
	}, nil
}
