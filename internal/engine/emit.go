package engine

import (
	"strconv"
	"strings"
	"time"

	"github.com/pinpt/agent.billing/sdk"
)

// Emitter converts raw rows and objects from either extraction path into typed
// records and forwards them in arrival order. The extraction timestamp is fixed
// once per sync run.
type Emitter struct {
	logger    sdk.Logger
	pipe      sdk.Pipe
	stats     sdk.Stats
	extracted time.Time
}

// NewEmitter returns a new Emitter
func NewEmitter(logger sdk.Logger, pipe sdk.Pipe, stats sdk.Stats, extracted time.Time) *Emitter {
	return &Emitter{
		logger:    logger,
		pipe:      pipe,
		stats:     stats,
		extracted: extracted,
	}
}

// coerce converts a raw string value to the field's declared type. Empty
// strings are null, matching how the upstream service renders missing values.
func coerce(ft sdk.FieldType, val string) interface{} {
	if val == "" {
		return nil
	}
	switch ft {
	case sdk.IntegerField:
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
	case sdk.NumberField:
		if n, err := strconv.ParseFloat(val, 64); err == nil {
			return n
		}
	case sdk.BooleanField:
		return strings.EqualFold(val, "true")
	case sdk.DateField, sdk.DateTimeField:
		if tv, err := sdk.ParseDate(val); err == nil {
			return sdk.FormatDate(tv)
		}
		// several upstream date renderings, keep the raw value when none match
		for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02"} {
			if tv, err := time.Parse(layout, val); err == nil {
				return sdk.FormatDate(tv)
			}
		}
	}
	return val
}

// EmitRow coerces and forwards one parsed export row. It returns false without
// error when the row was skipped: rows whose replication-key value predates the
// window start are re-deliveries from the upstream export session, and rows
// missing the replication-key value entirely must never move the bookmark.
func (e *Emitter) EmitRow(stream sdk.Stream, row sdk.Row, windowStart time.Time) (bool, error) {
	data := make(map[string]interface{}, len(row))
	for k, v := range row {
		if ft, ok := stream.FieldType(k); ok {
			data[k] = coerce(ft, v)
		} else if k == "Deleted" {
			data[k] = strings.EqualFold(v, "true")
		} else {
			data[k] = coerce(sdk.StringField, v)
		}
	}
	if stream.ReplicationKey != "" {
		raw := row[stream.ReplicationKey]
		if raw == "" {
			return false, nil
		}
		if !windowStart.IsZero() {
			if tv, err := sdk.ParseDate(raw); err == nil && tv.Before(windowStart) {
				return false, nil
			}
		}
	}
	if err := e.pipe.Write(sdk.Record{
		Stream:    stream.Name,
		Data:      data,
		Extracted: e.extracted,
	}); err != nil {
		return false, err
	}
	e.stats.Increment(stream.Name+".records", 1)
	return true, nil
}

// EmitObject coerces and forwards one raw JSON object from the synchronous
// query path. String values still pass through declared-type coercion since
// the query API renders most scalars as strings.
func (e *Emitter) EmitObject(stream sdk.Stream, obj map[string]interface{}) error {
	data := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		if str, ok := v.(string); ok {
			if ft, found := stream.FieldType(k); found {
				data[k] = coerce(ft, str)
				continue
			}
		}
		data[k] = v
	}
	if err := e.pipe.Write(sdk.Record{
		Stream:    stream.Name,
		Data:      data,
		Extracted: e.extracted,
	}); err != nil {
		return err
	}
	e.stats.Increment(stream.Name+".records", 1)
	return nil
}
