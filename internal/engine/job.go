package engine

import (
	"fmt"
	"time"

	"github.com/pinpt/agent.billing/internal/window"
)

// JobState is the discriminated state of one bulk export job attempt
type JobState int

// export job lifecycle states
const (
	JobBuilding JobState = iota
	JobSubmitted
	JobPolling
	JobCompleted
	JobFailed
	JobRateLimited
	JobTimedOut
	JobDownloading
	JobConsuming
	JobCleanup
	JobDone
)

func (s JobState) String() string {
	switch s {
	case JobBuilding:
		return "building"
	case JobSubmitted:
		return "submitted"
	case JobPolling:
		return "polling"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	case JobRateLimited:
		return "rate_limited"
	case JobTimedOut:
		return "timed_out"
	case JobDownloading:
		return "downloading"
	case JobConsuming:
		return "consuming"
	case JobCleanup:
		return "cleanup"
	case JobDone:
		return "done"
	}
	return "unknown"
}

var jobTransitions = map[JobState][]JobState{
	JobBuilding:    {JobSubmitted},
	JobSubmitted:   {JobPolling, JobFailed},
	JobPolling:     {JobPolling, JobCompleted, JobFailed, JobRateLimited, JobTimedOut},
	JobRateLimited: {JobPolling, JobTimedOut},
	JobCompleted:   {JobDownloading},
	JobDownloading: {JobConsuming, JobFailed},
	JobConsuming:   {JobCleanup, JobFailed},
	JobCleanup:     {JobDone},
}

// ExportQuery is one query submitted as part of a bulk export job
type ExportQuery struct {
	Name    string `json:"name"`
	Query   string `json:"query"`
	Deleted bool   `json:"deleted,omitempty"`
}

// ExportJob is the in-memory representation of one bulk export attempt. It is
// owned exclusively by the orchestrator and only its id and file ids outlive it
// (through the pending export descriptor).
type ExportJob struct {
	ID        string
	State     JobState
	Stream    string
	Window    window.Window
	Queries   []ExportQuery
	CreatedAt time.Time
	FileIDs   []string
}

// advance moves the job to the next state, failing on an illegal transition so
// lifecycle bugs surface immediately instead of as silent bad state
func (j *ExportJob) advance(to JobState) error {
	for _, legal := range jobTransitions[j.State] {
		if to == legal {
			j.State = to
			return nil
		}
	}
	return fmt.Errorf("illegal export job transition %s -> %s for stream %s", j.State, to, j.Stream)
}
