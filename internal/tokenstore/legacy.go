package tokenstore

import (
	"encoding/json"
	"fmt"
	"os"
)

// LegacyFile reads the durable token file left behind by releases that
// persisted credentials across restarts. It is strictly read-only: Put
// and Delete are no-ops, matching the fallback contract.
type LegacyFile struct {
	values map[string]string
}

// OpenLegacyFile loads the legacy token file. A missing file is not an
// error; it behaves as an empty backend.
func OpenLegacyFile(path string) (*LegacyFile, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &LegacyFile{values: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read legacy token file: %w", err)
	}
	values := map[string]string{}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse legacy token file: %w", err)
	}
	return &LegacyFile{values: values}, nil
}

func (f *LegacyFile) Put(key, value string) {}

func (f *LegacyFile) Get(key string) (string, bool) {
	v, ok := f.values[key]
	return v, ok
}

func (f *LegacyFile) Delete(key string) {}
