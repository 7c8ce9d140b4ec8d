package state

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pinpt/agent.billing/sdk"
	pjson "github.com/pinpt/go-common/v10/json"
)

// PendingExport is the persisted descriptor for an in-flight bulk export. Its
// WindowEnd is fixed when the export job completes and is the value the
// bookmark takes once every remaining file has been consumed.
type PendingExport struct {
	JobID            string    `json:"job_id"`
	RemainingFileIDs []string  `json:"remaining_file_ids"`
	WindowStart      time.Time `json:"window_start"`
	WindowEnd        time.Time `json:"window_end"`
}

// Remaining returns true when the file id has not yet been consumed
func (p *PendingExport) Remaining(fileID string) bool {
	for _, id := range p.RemainingFileIDs {
		if id == fileID {
			return true
		}
	}
	return false
}

// Store is the persisted per-run sync state: one bookmark per stream, an
// optional in-flight export descriptor per stream and the stream currently
// being processed
type Store interface {
	// CurrentStream returns the stream being processed, or empty when idle
	CurrentStream() string
	// SetCurrentStream records the stream being processed
	SetCurrentStream(name string)
	// Bookmark returns the stored replication-key value for the stream
	Bookmark(stream string, key string) (time.Time, bool)
	// AdvanceBookmark moves the bookmark forward, never backward
	AdvanceBookmark(stream string, key string, value time.Time)
	// Version returns the stream's export session version, minting one when absent
	Version(stream string) int64
	// ResetVersion discards the session version so the next export starts a new session
	ResetVersion(stream string)
	// PendingExport returns the in-flight export descriptor, or nil
	PendingExport(stream string) *PendingExport
	// SetPendingExport records an in-flight export descriptor
	SetPendingExport(stream string, pe *PendingExport)
	// ClearPendingExport removes the in-flight export descriptor
	ClearPendingExport(stream string)
	// RemoveConsumedFile removes one file id from the descriptor and returns the
	// count of files still remaining
	RemoveConsumedFile(stream string, fileID string) int
	// Persist writes the full state snapshot atomically
	Persist() error
	// Snapshot returns the current state as JSON
	Snapshot() []byte
}

// New returns a Store that persists snapshots through the given callback
func New(logger sdk.Logger, persist func(buf []byte) error) Store {
	return newMemory(logger, persist)
}

// Load replaces a store's contents with a previously persisted snapshot
func Load(s Store, buf []byte) error {
	m, ok := s.(*memory)
	if !ok {
		return fmt.Errorf("unsupported store type %T", s)
	}
	return m.load(buf)
}

// snapshot is the wire shape of persisted state
type snapshot struct {
	CurrentStream  string                            `json:"current_stream"`
	Bookmarks      map[string]map[string]interface{} `json:"bookmarks"`
	PendingExports map[string]*PendingExport         `json:"pending_export,omitempty"`
}

// memory holds the in-process state shared by the store backends. Persistence
// is delegated to the backend via the persist callback.
type memory struct {
	mu      sync.Mutex
	data    snapshot
	now     func() time.Time
	logger  sdk.Logger
	persist func(buf []byte) error
}

var _ Store = (*memory)(nil)

func newMemory(logger sdk.Logger, persist func(buf []byte) error) *memory {
	return &memory{
		data: snapshot{
			Bookmarks:      make(map[string]map[string]interface{}),
			PendingExports: make(map[string]*PendingExport),
		},
		now:     time.Now,
		logger:  logger,
		persist: persist,
	}
}

func (s *memory) load(buf []byte) error {
	var data snapshot
	if len(buf) > 0 {
		if err := json.Unmarshal(buf, &data); err != nil {
			return err
		}
	}
	if data.Bookmarks == nil {
		data.Bookmarks = make(map[string]map[string]interface{})
	}
	if data.PendingExports == nil {
		data.PendingExports = make(map[string]*PendingExport)
	}
	s.data = data
	return nil
}

func (s *memory) entry(stream string) map[string]interface{} {
	e := s.data.Bookmarks[stream]
	if e == nil {
		e = make(map[string]interface{})
		s.data.Bookmarks[stream] = e
	}
	return e
}

func (s *memory) CurrentStream() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.CurrentStream
}

func (s *memory) SetCurrentStream(name string) {
	s.mu.Lock()
	s.data.CurrentStream = name
	s.mu.Unlock()
}

func (s *memory) Bookmark(stream string, key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.entry(stream)[key]
	if !ok || val == nil {
		return time.Time{}, false
	}
	str, ok := val.(string)
	if !ok {
		return time.Time{}, false
	}
	tv, err := sdk.ParseDate(str)
	if err != nil {
		// an unparsable bookmark falls back to the start date, it is not fatal
		if s.logger != nil {
			sdk.LogWarn(s.logger, "unparsable bookmark, will fall back to start date", "stream", stream, "value", str, "err", err)
		}
		return time.Time{}, false
	}
	return tv, true
}

func (s *memory) AdvanceBookmark(stream string, key string, value time.Time) {
	current, ok := s.Bookmark(stream, key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok && !value.After(current) {
		// bookmarks are monotonic, tolerate clock skew and out-of-order commits
		return
	}
	s.entry(stream)[key] = sdk.FormatDate(value)
}

func (s *memory) Version(stream string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(stream)
	switch v := e["version"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	}
	version := s.now().Unix()
	e["version"] = version
	return version
}

func (s *memory) ResetVersion(stream string) {
	s.mu.Lock()
	delete(s.entry(stream), "version")
	s.mu.Unlock()
}

func (s *memory) PendingExport(stream string) *PendingExport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.PendingExports[stream]
}

func (s *memory) SetPendingExport(stream string, pe *PendingExport) {
	s.mu.Lock()
	s.data.PendingExports[stream] = pe
	s.mu.Unlock()
}

func (s *memory) ClearPendingExport(stream string) {
	s.mu.Lock()
	delete(s.data.PendingExports, stream)
	s.mu.Unlock()
}

func (s *memory) RemoveConsumedFile(stream string, fileID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pe := s.data.PendingExports[stream]
	if pe == nil {
		return 0
	}
	remaining := make([]string, 0, len(pe.RemainingFileIDs))
	for _, id := range pe.RemainingFileIDs {
		if id != fileID {
			remaining = append(remaining, id)
		}
	}
	pe.RemainingFileIDs = remaining
	return len(remaining)
}

func (s *memory) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return []byte(pjson.Stringify(s.data))
}

func (s *memory) Persist() error {
	return s.persist(s.Snapshot())
}
