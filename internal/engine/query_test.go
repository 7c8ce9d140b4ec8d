package engine

import (
	"testing"
	"time"

	"github.com/pinpt/agent.billing/internal/window"
	"github.com/pinpt/agent.billing/sdk"
	"github.com/stretchr/testify/assert"
)

func testStream() sdk.Stream {
	return sdk.Stream{
		Name:           "Invoice",
		ReplicationKey: "UpdatedDate",
		KeyProperties:  []string{"Id"},
		Fields: []sdk.Field{
			{Name: "Id", Type: sdk.StringField, Automatic: true},
			{Name: "Amount", Type: sdk.NumberField, Selected: true},
			{Name: "UpdatedDate", Type: sdk.DateTimeField, Automatic: true},
		},
	}
}

func TestBuildQueryWindowed(t *testing.T) {
	assert := assert.New(t)
	w := window.Window{
		Start: time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2020, 6, 2, 0, 0, 0, 0, time.UTC),
	}
	q := buildQuery(testStream(), w)
	assert.Equal("select Amount, Id, UpdatedDate from Invoice where UpdatedDate >= '2020-06-01T00:00:00Z' and UpdatedDate < '2020-06-02T00:00:00Z' order by UpdatedDate asc", q)
}

func TestBuildQueryNoReplicationKey(t *testing.T) {
	assert := assert.New(t)
	stream := testStream()
	stream.ReplicationKey = ""
	q := buildQuery(stream, window.Window{})
	assert.Equal("select Amount, Id, UpdatedDate from Invoice", q)
}

func TestBuildQueryJoinedFields(t *testing.T) {
	assert := assert.New(t)
	stream := sdk.Stream{
		Name:           "InvoiceItem",
		ReplicationKey: "UpdatedDate",
		Fields: []sdk.Field{
			{Name: "Id", Type: sdk.StringField, Automatic: true},
			{Name: "InvoiceAmount", Type: sdk.NumberField, Selected: true, JoinedObject: "Invoice"},
			{Name: "UpdatedDate", Type: sdk.DateTimeField, Automatic: true},
		},
	}
	q := buildQuery(stream, window.Window{})
	assert.Contains(q, "Invoice.Amount")
	assert.Contains(q, "from InvoiceItem")
}

func TestBuildExportQueriesVersionedProject(t *testing.T) {
	assert := assert.New(t)
	queries := buildExportQueries(testStream(), window.Window{}, 1591000000)
	assert.Len(queries, 1)
	assert.Equal("Invoice_1591000000", queries[0].Name)
	assert.False(queries[0].Deleted)
}

func TestBuildExportQueriesDeletedCompanion(t *testing.T) {
	assert := assert.New(t)
	stream := testStream()
	stream.SupportsDeleted = true
	stream.DeletedSelected = true
	queries := buildExportQueries(stream, window.Window{}, 7)
	assert.Len(queries, 2)
	assert.Equal("Invoice_7", queries[0].Name)
	assert.Equal("Invoice_7_deleted", queries[1].Name)
	assert.True(queries[1].Deleted)
	assert.Equal(queries[0].Query, queries[1].Query)
}
