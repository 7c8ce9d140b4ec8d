package file

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pinpt/agent.billing/sdk"
	"github.com/pinpt/go-common/v10/log"
	"github.com/stretchr/testify/assert"
)

func TestFilePipe(t *testing.T) {
	assert := assert.New(t)
	dir, err := ioutil.TempDir("", "pipe")
	assert.NoError(err)
	defer os.RemoveAll(dir)
	pipe, err := New(log.NewNoOpTestLogger(), dir)
	assert.NoError(err)
	stream := sdk.Stream{Name: "Invoice", ReplicationKey: "UpdatedDate"}
	assert.NoError(pipe.WriteSchema(stream))
	assert.NoError(pipe.Write(sdk.Record{
		Stream:    "Invoice",
		Data:      map[string]interface{}{"Id": "inv-1"},
		Extracted: time.Date(2020, 6, 3, 0, 0, 0, 0, time.UTC),
	}))
	assert.NoError(pipe.Write(sdk.Record{
		Stream:    "Invoice",
		Data:      map[string]interface{}{"Id": "inv-2"},
		Extracted: time.Date(2020, 6, 3, 0, 0, 0, 0, time.UTC),
	}))
	assert.NoError(pipe.WriteState([]byte(`{"current_stream":"Invoice"}`)))
	assert.NoError(pipe.Close())

	buf, err := ioutil.ReadFile(filepath.Join(dir, "Invoice.jsonl"))
	assert.NoError(err)
	lines := strings.Split(strings.TrimSpace(string(buf)), "\n")
	assert.Len(lines, 2)
	assert.Contains(lines[0], "inv-1")
	assert.Contains(lines[1], "inv-2")

	buf, err = ioutil.ReadFile(filepath.Join(dir, "Invoice.schema.json"))
	assert.NoError(err)
	assert.Contains(string(buf), "UpdatedDate")

	buf, err = ioutil.ReadFile(filepath.Join(dir, "state.json"))
	assert.NoError(err)
	assert.Contains(string(buf), "current_stream")

	// writes after close fail
	assert.Error(pipe.Write(sdk.Record{Stream: "Invoice"}))
}

func TestFilePipeCreatesDir(t *testing.T) {
	assert := assert.New(t)
	dir, err := ioutil.TempDir("", "pipe")
	assert.NoError(err)
	defer os.RemoveAll(dir)
	nested := filepath.Join(dir, "out", "data")
	_, err = New(log.NewNoOpTestLogger(), nested)
	assert.NoError(err)
	info, err := os.Stat(nested)
	assert.NoError(err)
	assert.True(info.IsDir())
}
