package engine

import (
	"fmt"
	"strings"

	"github.com/pinpt/agent.billing/internal/window"
	"github.com/pinpt/agent.billing/sdk"
)

// buildQuery composes the extraction query for a stream over a window using
// the stream's selected fields in dot notation. A zero window (streams without
// a replication key) produces an unbounded query.
func buildQuery(stream sdk.Stream, w window.Window) string {
	fields := strings.Join(stream.QueryFields(), ", ")
	query := fmt.Sprintf("select %s from %s", fields, stream.Name)
	if stream.ReplicationKey != "" && !w.Start.IsZero() {
		query += fmt.Sprintf(" where %s >= '%s'", stream.ReplicationKey, sdk.FormatDate(w.Start))
		query += fmt.Sprintf(" and %s < '%s'", stream.ReplicationKey, sdk.FormatDate(w.End))
	}
	if stream.ReplicationKey != "" {
		query += fmt.Sprintf(" order by %s asc", stream.ReplicationKey)
	}
	return query
}

// buildExportQueries composes the job's query set: the primary query plus a
// companion deleted-records query when the stream supports deletion tracking
// and it is selected
func buildExportQueries(stream sdk.Stream, w window.Window, version int64) []ExportQuery {
	project := fmt.Sprintf("%s_%d", stream.Name, version)
	queries := []ExportQuery{
		{
			Name:  project,
			Query: buildQuery(stream, w),
		},
	}
	if stream.SupportsDeleted && stream.DeletedSelected {
		queries = append(queries, ExportQuery{
			Name:    project + "_deleted",
			Query:   buildQuery(stream, w),
			Deleted: true,
		})
	}
	return queries
}
