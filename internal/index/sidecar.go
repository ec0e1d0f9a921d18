package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/hyperjump/kioku/internal/vector"
)

const sidecarName = "indexes.json"

// sidecarRecord describes one persisted index file.
type sidecarRecord struct {
	Key        string      `json:"key"`
	Kind       vector.Kind `json:"kind"`
	Dimensions int         `json:"dimensions"`
	File       string      `json:"file"`
	Size       int         `json:"size"`
	BuiltAt    time.Time   `json:"built_at"`
}

// sidecar is the JSON catalog of persisted index files in an index directory.
// It is what makes indexes reloadable across restarts.
type sidecar struct {
	Version int                      `json:"version"`
	Records map[string]sidecarRecord `json:"records"`
}

func newSidecar() *sidecar {
	return &sidecar{Version: 1, Records: make(map[string]sidecarRecord)}
}

// loadSidecar reads the catalog from dir. A missing file yields an empty
// catalog; a malformed one is an error so the caller can warn and start fresh.
func loadSidecar(dir string) (*sidecar, error) {
	data, err := os.ReadFile(filepath.Join(dir, sidecarName))
	if err != nil {
		if os.IsNotExist(err) {
			return newSidecar(), nil
		}
		return nil, fmt.Errorf("read index catalog: %w", err)
	}
	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse index catalog: %w", err)
	}
	if sc.Records == nil {
		sc.Records = make(map[string]sidecarRecord)
	}
	return &sc, nil
}

// save writes the catalog atomically: serialize to a uniquely named temp file
// in the same directory, then rename over the target.
func (s *sidecar) save(dir string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index catalog: %w", err)
	}
	tmp := filepath.Join(dir, sidecarName+"."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write index catalog: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, sidecarName)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace index catalog: %w", err)
	}
	return nil
}
