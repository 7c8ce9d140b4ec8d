package sdk

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	pn "github.com/pinpt/go-common/v10/number"
	ps "github.com/pinpt/go-common/v10/strings"
	gi "github.com/sabhiram/go-gitignore"
)

// configuration keys recognized by the engine
const (
	ConfigStartDate           = "start_date"
	ConfigAPIType             = "api_type"
	ConfigUsername            = "username"
	ConfigPassword            = "password"
	ConfigPartnerID           = "partner_id"
	ConfigSandbox             = "sandbox"
	ConfigBaseURL             = "base_url"
	ConfigEuropean            = "european"
	ConfigPollInterval        = "poll_interval"
	ConfigJobTimeout          = "job_timeout"
	ConfigRetryLimit          = "retry_limit"
	ConfigBackoffBase         = "backoff_base"
	ConfigBackoffCap          = "backoff_cap"
	ConfigBackoffJitter       = "backoff_jitter"
	ConfigDownloadConcurrency = "download_concurrency"
	ConfigIncludeDeleted      = "include_deleted"
	ConfigInclude             = "include"
	ConfigExclude             = "exclude"
)

// APIType selects which extraction strategy drives eligible streams
type APIType string

const (
	// BulkAPI uses the asynchronous bulk export job API
	BulkAPI APIType = "BULK"
	// RestAPI uses the synchronous paginated query API
	RestAPI APIType = "REST"
)

type matchList struct {
	defaultValue bool
	parser       gi.IgnoreParser
}

// Matches returns true if the name matches the list
func (l *matchList) Matches(name string) bool {
	if l == nil {
		return false
	}
	if l.parser == nil {
		return l.defaultValue
	}
	return l.parser.MatchesPath(name)
}

// Config is the agent configuration
type Config struct {
	Inclusions *matchList `json:"-"`
	Exclusions *matchList `json:"-"`

	kv map[string]interface{}
}

// Exists will return true if the key exists
func (c Config) Exists(key string) bool {
	_, ok := c.kv[key]
	return ok
}

// GetString will return a string coerced value for key
func (c Config) GetString(key string) (bool, string) {
	val, ok := c.kv[key]
	if !ok || val == "" {
		return false, ""
	}
	return ok, ps.Value(val)
}

// GetInt will return a int coerced value for key
func (c Config) GetInt(key string) (bool, int64) {
	val, ok := c.kv[key]
	return ok, pn.ToInt64Any(val)
}

// GetBool will return a bool coerced value for key
func (c Config) GetBool(key string) (bool, bool) {
	val, ok := c.kv[key]
	return ok, pn.ToBoolAny(val)
}

// GetDuration will return a duration value for key, accepting either a Go
// duration string or a number of seconds
func (c Config) GetDuration(key string) (bool, time.Duration) {
	ok, sval := c.GetString(key)
	if !ok {
		return false, 0
	}
	if d, err := time.ParseDuration(sval); err == nil {
		return true, d
	}
	_, ival := c.GetInt(key)
	return true, time.Duration(ival) * time.Second
}

// StartDate returns the configured fallback bookmark
func (c Config) StartDate() (time.Time, error) {
	ok, val := c.GetString(ConfigStartDate)
	if !ok {
		return time.Time{}, NewConfigError("missing required config %s", ConfigStartDate)
	}
	tv, err := ParseDate(val)
	if err != nil {
		return time.Time{}, NewConfigError("invalid %s %q: %v", ConfigStartDate, val, err)
	}
	return tv, nil
}

// APIType returns the configured extraction strategy, defaulting to the bulk export API
func (c Config) APIType() APIType {
	if ok, val := c.GetString(ConfigAPIType); ok {
		if strings.EqualFold(val, string(RestAPI)) {
			return RestAPI
		}
	}
	return BulkAPI
}

// PollInterval returns the delay between export job status checks
func (c Config) PollInterval() time.Duration {
	if ok, d := c.GetDuration(ConfigPollInterval); ok && d > 0 {
		return d
	}
	return time.Minute
}

// JobTimeout returns the overall ceiling for one export job attempt
func (c Config) JobTimeout() time.Duration {
	if ok, d := c.GetDuration(ConfigJobTimeout); ok && d > 0 {
		return d
	}
	return 90 * time.Minute
}

// RetryLimit returns the maximum transport-level retries for a single HTTP call
func (c Config) RetryLimit() int {
	if ok, val := c.GetInt(ConfigRetryLimit); ok && val > 0 {
		return int(val)
	}
	return 5
}

// DownloadConcurrency returns the cap on concurrent export file downloads
func (c Config) DownloadConcurrency() int {
	if ok, val := c.GetInt(ConfigDownloadConcurrency); ok && val > 0 {
		return int(val)
	}
	return 4
}

// Backoff returns the configured backoff primitive shared by the retry policies
func (c Config) Backoff() Backoff {
	b := DefaultBackoff
	if ok, d := c.GetDuration(ConfigBackoffBase); ok && d > 0 {
		b.Base = d
	}
	if ok, d := c.GetDuration(ConfigBackoffCap); ok && d > 0 {
		b.Cap = d
	}
	if ok, d := c.GetDuration(ConfigBackoffJitter); ok {
		b.Jitter = d
	}
	return b
}

// StreamSelected returns true when the stream name passes the include/exclude match lists
func (c Config) StreamSelected(name string) bool {
	if c.Exclusions != nil && c.Exclusions.Matches(name) {
		return false
	}
	if c.Inclusions != nil {
		return c.Inclusions.Matches(name)
	}
	return true
}

// Validate checks the configuration before any state is mutated
func (c Config) Validate() error {
	if _, err := c.StartDate(); err != nil {
		return err
	}
	if ok, _ := c.GetString(ConfigUsername); !ok {
		return NewConfigError("missing required config %s", ConfigUsername)
	}
	if ok, _ := c.GetString(ConfigPassword); !ok {
		return NewConfigError("missing required config %s", ConfigPassword)
	}
	if c.APIType() == BulkAPI {
		if ok, _ := c.GetString(ConfigPartnerID); !ok {
			return NewConfigError("missing required config %s when using the bulk export API", ConfigPartnerID)
		}
	}
	return nil
}

func newMatchList(val interface{}) *matchList {
	if val == nil {
		return nil
	}
	var lines []string
	switch v := val.(type) {
	case string:
		lines = strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == '\n' })
	case []interface{}:
		for _, i := range v {
			lines = append(lines, ps.Value(i))
		}
	case []string:
		lines = v
	}
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	if len(lines) == 0 {
		return nil
	}
	parser, err := gi.CompileIgnoreLines(lines...)
	if err != nil {
		return nil
	}
	return &matchList{parser: parser}
}

// NewConfig will return a new Config
func NewConfig(kv map[string]interface{}) Config {
	if kv == nil {
		kv = make(map[string]interface{})
	}
	c := Config{kv: kv}
	if val, ok := kv[ConfigInclude]; ok {
		c.Inclusions = newMatchList(val)
	}
	if val, ok := kv[ConfigExclude]; ok {
		c.Exclusions = newMatchList(val)
	}
	return c
}

// Parse will parse a JSON buffer into the config
func (c *Config) Parse(buf []byte) error {
	kv := make(map[string]interface{})
	if err := json.Unmarshal(buf, &kv); err != nil {
		return fmt.Errorf("error parsing config: %w", err)
	}
	*c = NewConfig(kv)
	return nil
}

// String returns the config as JSON, never including credential values
func (c Config) String() string {
	redacted := make(map[string]interface{})
	for k, v := range c.kv {
		switch k {
		case ConfigPassword:
			redacted[k] = "********"
		default:
			redacted[k] = v
		}
	}
	buf, _ := json.Marshal(redacted)
	return string(buf)
}
