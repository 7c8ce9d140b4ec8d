package engine

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pinpt/agent.billing/sdk"
	pjson "github.com/pinpt/go-common/v10/json"
)

// exportAPI is the bulk export job surface of the billing API. Both the bulk
// and legacy object-export endpoints satisfy it so file consumption is shared.
type exportAPI interface {
	// SubmitJob submits the job's queries and returns the upstream job id
	SubmitJob(job *ExportJob) (string, error)
	// JobStatus returns the job's current upstream status
	JobStatus(jobID string) (*jobStatus, error)
	// StreamFile returns one export file's byte stream for lazy consumption
	StreamFile(fileID string) (io.ReadCloser, error)
	// DeleteJob removes the job's server-side artifacts
	DeleteJob(jobID string) error
}

// queryAPI is the synchronous paginated query surface of the billing API
type queryAPI interface {
	// Query runs a query and returns the first page
	Query(q string) (*queryPage, error)
	// QueryMore continues a query from a continuation token
	QueryMore(locator string) (*queryPage, error)
}

type jobStatus struct {
	Done    bool
	Failed  bool
	Message string
	FileIDs []string
}

type queryPage struct {
	Records []map[string]interface{}
	Locator string
}

const (
	bulkSubmitEndpoint = "v1/batch-query/"
	bulkJobEndpoint    = "v1/batch-query/jobs/"
	bulkFileEndpoint   = "v1/file/"
	queryEndpoint      = "v1/action/query"
	queryMoreEndpoint  = "v1/action/queryMore"
	describeEndpoint   = "v1/describe/"
)

// billingAPI talks to one resolved base url with one shared http client
type billingAPI struct {
	client    sdk.HTTPClient
	partnerID string
}

var _ exportAPI = (*billingAPI)(nil)
var _ queryAPI = (*billingAPI)(nil)

func newBillingAPI(client sdk.HTTPClient, partnerID string) *billingAPI {
	return &billingAPI{
		client:    client,
		partnerID: partnerID,
	}
}

type bulkQueryPayload struct {
	Name    string       `json:"name"`
	Query   string       `json:"query"`
	Type    string       `json:"type"`
	Deleted *deletedSpec `json:"deleted,omitempty"`
}

type deletedSpec struct {
	Column string `json:"column"`
	Format string `json:"format"`
}

type bulkJobPayload struct {
	Name            string             `json:"name"`
	Partner         string             `json:"partner,omitempty"`
	Project         string             `json:"project"`
	Format          string             `json:"format"`
	Version         string             `json:"version"`
	Encrypted       string             `json:"encrypted"`
	UTC             string             `json:"dateTimeUtc"`
	IncrementalTime string             `json:"incrementalTime,omitempty"`
	Queries         []bulkQueryPayload `json:"queries"`
}

// the batch query api only honors the incremental cursor in Pacific time,
// formatted without the ZOQL 'T' separator
const incrementalTimeFormat = "2006-01-02 15:04:05"

var pacificTime = func() *time.Location {
	loc, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		return time.FixedZone("PST", -8*60*60)
	}
	return loc
}()

type bulkSubmitResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type bulkBatch struct {
	FileID   string   `json:"fileId"`
	Segments []string `json:"segments"`
	Message  string   `json:"message"`
}

type bulkStatusResponse struct {
	Status  string      `json:"status"`
	Batches []bulkBatch `json:"batches"`
	Message string      `json:"message"`
}

// SubmitJob submits the job's queries and returns the upstream job id
func (a *billingAPI) SubmitJob(job *ExportJob) (string, error) {
	project := job.Stream
	if len(job.Queries) > 0 {
		project = job.Queries[0].Name
	}
	payload := bulkJobPayload{
		Name:      project,
		Partner:   a.partnerID,
		Project:   project,
		Format:    "csv",
		Version:   "1.2",
		Encrypted: "none",
		UTC:       "true",
	}
	if !job.Window.Start.IsZero() {
		// the cursor keeps the partner/project session incremental, so a
		// re-exported window only carries rows changed since the window start
		payload.IncrementalTime = job.Window.Start.In(pacificTime).Format(incrementalTimeFormat)
	}
	for _, q := range job.Queries {
		bq := bulkQueryPayload{
			Name:  q.Name,
			Query: q.Query,
			Type:  "zoqlexport",
		}
		if q.Deleted {
			bq.Deleted = &deletedSpec{Column: "Deleted", Format: "Boolean"}
		}
		payload.Queries = append(payload.Queries, bq)
	}
	var resp bulkSubmitResponse
	if _, err := a.client.Post(bytes.NewReader([]byte(pjson.Stringify(payload))), &resp, sdk.WithEndpoint(bulkSubmitEndpoint)); err != nil {
		return "", err
	}
	if resp.Message != "" {
		return "", &sdk.ExportFailedError{Message: resp.Message}
	}
	return resp.ID, nil
}

// JobStatus returns the job's current upstream status
func (a *billingAPI) JobStatus(jobID string) (*jobStatus, error) {
	var resp bulkStatusResponse
	if _, err := a.client.Get(&resp, sdk.WithEndpoint(bulkJobEndpoint+jobID)); err != nil {
		return nil, err
	}
	status := &jobStatus{}
	switch strings.ToLower(resp.Status) {
	case "completed":
		status.Done = true
		for _, batch := range resp.Batches {
			if len(batch.Segments) > 0 {
				status.FileIDs = append(status.FileIDs, batch.Segments...)
			} else if batch.FileID != "" {
				status.FileIDs = append(status.FileIDs, batch.FileID)
			}
		}
	case "failed", "cancelled", "aborted":
		status.Failed = true
		status.Message = resp.Message
		for _, batch := range resp.Batches {
			if batch.Message != "" {
				status.Message = batch.Message
				break
			}
		}
	}
	return status, nil
}

// StreamFile returns one export file's byte stream for lazy consumption
func (a *billingAPI) StreamFile(fileID string) (io.ReadCloser, error) {
	resp, err := a.client.Get(nil, sdk.WithEndpoint(bulkFileEndpoint+fileID), sdk.WithStreamResponse(), sdk.WithDeadline(time.Hour))
	if err != nil {
		if ok, status, _ := sdk.IsHTTPError(err); ok && status == http.StatusNotFound {
			return nil, &sdk.StaleFileError{FileID: fileID}
		}
		return nil, err
	}
	return resp.Body, nil
}

// DeleteJob removes the job's server-side artifacts to bound the account's
// concurrent-job quota
func (a *billingAPI) DeleteJob(jobID string) error {
	_, err := a.client.Delete(nil, sdk.WithEndpoint(bulkJobEndpoint+jobID))
	return err
}

type queryPayload struct {
	QueryString string `json:"queryString"`
}

type queryMorePayload struct {
	QueryLocator string `json:"queryLocator"`
}

type queryResponse struct {
	Records      []map[string]interface{} `json:"records"`
	QueryLocator string                   `json:"queryLocator"`
	Done         bool                     `json:"done"`
}

func (a *billingAPI) page(resp queryResponse) *queryPage {
	page := &queryPage{Records: resp.Records}
	if !resp.Done {
		page.Locator = resp.QueryLocator
	}
	return page
}

// Query runs a query and returns the first page
func (a *billingAPI) Query(q string) (*queryPage, error) {
	var resp queryResponse
	if _, err := a.client.Post(bytes.NewReader([]byte(pjson.Stringify(queryPayload{QueryString: q}))), &resp, sdk.WithEndpoint(queryEndpoint)); err != nil {
		return nil, err
	}
	return a.page(resp), nil
}

// QueryMore continues a query from a continuation token
func (a *billingAPI) QueryMore(locator string) (*queryPage, error) {
	var resp queryResponse
	if _, err := a.client.Post(bytes.NewReader([]byte(pjson.Stringify(queryMorePayload{QueryLocator: locator}))), &resp, sdk.WithEndpoint(queryMoreEndpoint)); err != nil {
		return nil, err
	}
	return a.page(resp), nil
}
