package file

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pinpt/agent.billing/internal/state"
	"github.com/pinpt/agent.billing/sdk"
	"github.com/pinpt/go-common/v10/fileutil"
)

// New will create a state store backed by a JSON file. Persist writes the
// snapshot to a temp file and renames it into place so a crash mid-write never
// truncates the previous checkpoint.
func New(logger sdk.Logger, fn string) (state.Store, error) {
	if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
		return nil, err
	}
	store := state.New(logger, func(buf []byte) error {
		tmp := fn + ".tmp"
		if err := ioutil.WriteFile(tmp, buf, 0600); err != nil {
			return fmt.Errorf("error writing state file: %w", err)
		}
		return os.Rename(tmp, fn)
	})
	if fileutil.FileExists(fn) {
		buf, err := ioutil.ReadFile(fn)
		if err != nil {
			return nil, fmt.Errorf("error reading state file at %s: %w", fn, err)
		}
		if err := state.Load(store, buf); err != nil {
			return nil, fmt.Errorf("error parsing state file at %s: %w", fn, err)
		}
	}
	return store, nil
}
