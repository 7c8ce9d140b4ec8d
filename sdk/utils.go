package sdk

import (
	"strings"
	"time"

	"github.com/pinpt/go-common/v10/hash"
	"github.com/pinpt/go-common/v10/log"
	ps "github.com/pinpt/go-common/v10/strings"
)

// ISO8601 is the timestamp format used for bookmarks and query bounds, always UTC
const ISO8601 = "2006-01-02T15:04:05Z"

// FormatDate will format a timestamp in the bookmark/query wire format in UTC
func FormatDate(tv time.Time) string {
	return tv.UTC().Format(ISO8601)
}

// ParseDate will parse a bookmark timestamp, tolerating both the compact wire
// format and full RFC3339
func ParseDate(val string) (time.Time, error) {
	if tv, err := time.Parse(ISO8601, val); err == nil {
		return tv, nil
	}
	return time.Parse(time.RFC3339, val)
}

// StringPointer return a string pointer from a value
func StringPointer(val interface{}) *string {
	return ps.Pointer(val)
}

// Hash will convert all objects to a string and return a hash of the concatenated values.
// Uses xxhash to calculate a faster hash value that is not cryptographically secure but is OK since
// we use hashing mainly for generating consistent key values or equality checks.
func Hash(val ...interface{}) string {
	return hash.Values(val...)
}

// JoinURL creates a url joined with paths
func JoinURL(elem ...string) string {
	parts := make([]string, 0)
	for _, p := range elem {
		parts = append(parts, strings.Trim(p, "/"))
	}
	res := strings.Join(parts, "/")
	if strings.HasPrefix(elem[0], "/") {
		res = "/" + res
	}
	return res
}

// Logger is a logger interface
type Logger = log.Logger

// LogDebug will log an debug level log to logger
func LogDebug(logger Logger, msg string, kv ...interface{}) error {
	return log.Debug(logger, msg, kv...)
}

// LogInfo will log an info level log to logger
func LogInfo(logger Logger, msg string, kv ...interface{}) error {
	return log.Info(logger, msg, kv...)
}

// LogWarn will log an warning level log to logger
func LogWarn(logger Logger, msg string, kv ...interface{}) error {
	return log.Warn(logger, msg, kv...)
}

// LogError will log an error level log to logger
func LogError(logger Logger, msg string, kv ...interface{}) error {
	return log.Error(logger, msg, kv...)
}

// LogFatal will log an fatal level log to logger
func LogFatal(logger Logger, msg string, kv ...interface{}) {
	log.Fatal(logger, msg, kv...)
}

// LogWith will return a new logger adding keyvalues to all logs
func LogWith(logger Logger, keyvals ...interface{}) Logger {
	return log.With(logger, keyvals...)
}
